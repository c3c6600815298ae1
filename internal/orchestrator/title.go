package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// titleTimeout bounds the best-effort title generation.
const titleTimeout = 10 * time.Second

// maxTitleLength caps the generated title in runes.
const maxTitleLength = 80

const titlePrompt = "Write a concise title (at most eight words) for a conversation " +
	"that begins with the following message. Reply with the title only, no quotes.\n\nMessage: %s"

// GenerateTitle produces a short session title from the first user
// message. Best effort: any failure returns an empty string, the caller
// falls back to its own default.
func (o *Orchestrator) GenerateTitle(ctx context.Context, firstUserMessage string) string {
	firstUserMessage = strings.TrimSpace(firstUserMessage)
	if firstUserMessage == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := fmt.Sprintf(titlePrompt, firstUserMessage)
	resp, err := o.gen.Generate(ctx,
		[]*ai.Message{ai.NewUserMessage(ai.NewTextPart(prompt))},
		GenerateOptions{})
	if err != nil {
		o.logger.Warn("title generation failed", "error", err)
		return ""
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text()), `"`))
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	return title
}
