package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/spf13/cobra"

	"github.com/qiyuan-ai/agentchat/internal/orchestrator"
	"github.com/qiyuan-ai/agentchat/internal/tools"
)

var (
	askCollection     string
	askTopK           int
	askForceRetrieval bool
	askShowEvents     bool
	askTitle          bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question grounded in ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askCollection, "collection", "c", "", "collection to search (deployment default for the retrieval tool)")
	askCmd.Flags().IntVar(&askTopK, "top-k", 0, "retrieval result count (0 uses the configured default)")
	askCmd.Flags().BoolVar(&askForceRetrieval, "force-retrieval", true, "guarantee at least one knowledge retrieval this turn")
	askCmd.Flags().BoolVar(&askShowEvents, "events", false, "print tool lifecycle events to stderr")
	askCmd.Flags().BoolVar(&askTitle, "title", false, "print a generated conversation title to stderr")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("question must not be empty")
	}

	force := a.cfg.ForceRetrieval
	if cmd.Flags().Changed("force-retrieval") {
		force = askForceRetrieval
	}
	topK := a.cfg.TopK
	if askTopK > 0 {
		topK = askTopK
	}

	var emitter tools.Emitter
	var events *tools.ChannelEmitter
	var drain sync.WaitGroup
	if askShowEvents {
		ch := tools.NewChannelEmitter(64)
		emitter = ch
		events = ch
		drain.Add(1)
		go func() {
			defer drain.Done()
			for ev := range ch.Events() {
				fmt.Fprintf(os.Stderr, "[%s] %s %s\n", ev.Status, ev.Title, ev.Message)
			}
		}()
	}

	orch := a.orchestrator(emitter, askCollection, topK)

	resp, err := orch.Run(ctx, orchestrator.Request{
		Messages:       []*ai.Message{ai.NewUserMessage(ai.NewTextPart(question))},
		ForceRetrieval: force,
		Stream: func(_ context.Context, text string) error {
			_, err := fmt.Print(text)
			return err
		},
	})
	if events != nil {
		events.Close()
		drain.Wait()
	}
	if err != nil {
		return fmt.Errorf("run turn: %w", err)
	}
	fmt.Println()

	if askTitle {
		// Best effort: an empty title just prints nothing.
		if title := orch.GenerateTitle(ctx, question); title != "" {
			fmt.Fprintf(os.Stderr, "Title: %s\n", title)
		}
	}

	a.logger.Debug("turn finished",
		"rounds", resp.Rounds,
		"forced_retrieval", resp.ForcedRetrieval,
		"used_retrieval", resp.UsedRetrieval,
	)
	return nil
}
