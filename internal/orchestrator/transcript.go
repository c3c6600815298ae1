package orchestrator

import (
	"encoding/json"
	"slices"

	"github.com/firebase/genkit/go/ai"
)

// appendToolExchange appends the model message carrying tool requests and
// the tool message carrying their results as one unit. Keeping both
// appends in a single helper is what guarantees the transcript protocol:
// a tool result can never appear without the model message that
// requested it, and vice versa.
func appendToolExchange(msgs []*ai.Message, modelMsg *ai.Message, results []*ai.Part) []*ai.Message {
	return append(msgs,
		modelMsg,
		&ai.Message{Role: ai.RoleTool, Content: results},
	)
}

// modelMessageFor returns the model message that carries exactly the
// given tool requests. When the set matches the response's own requests,
// the original message is reused; a synthesized (forced) request is
// spliced into a copy instead, so the request and its eventual result
// stay ref-paired within one model message.
func modelMessageFor(resp *ai.ModelResponse, reqs []*ai.ToolRequest) *ai.Message {
	base := resp.Message
	if base != nil && len(resp.ToolRequests()) == len(reqs) {
		return base
	}

	var content []*ai.Part
	if base != nil {
		content = slices.Clone(base.Content)
	}

	present := make(map[*ai.ToolRequest]bool)
	for _, p := range content {
		if p.ToolRequest != nil {
			present[p.ToolRequest] = true
		}
	}
	for _, tr := range reqs {
		if !present[tr] {
			content = append(content, &ai.Part{Kind: ai.PartToolRequest, ToolRequest: tr})
		}
	}

	return &ai.Message{Role: ai.RoleModel, Content: content}
}

// textModelMessage builds a plain text model message.
func textModelMessage(text string) *ai.Message {
	return &ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(text)}}
}

// systemTextMessage builds a plain text system message.
func systemTextMessage(text string) *ai.Message {
	return &ai.Message{Role: ai.RoleSystem, Content: []*ai.Part{ai.NewTextPart(text)}}
}

// latestUserText returns the text of the most recent user message.
func latestUserText(msgs []*ai.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == ai.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}

// requestArgs extracts the argument object of a tool request. Models
// deliver JSON objects; anything else decodes through a JSON round trip,
// and undecodable input degrades to empty arguments rather than failing
// the call before the tool can report a useful error.
func requestArgs(tr *ai.ToolRequest) map[string]any {
	switch in := tr.Input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		// Copy so merging never mutates the transcript's request.
		args := make(map[string]any, len(in))
		for k, v := range in {
			args[k] = v
		}
		return args
	default:
		raw, err := json.Marshal(in)
		if err != nil {
			return map[string]any{}
		}
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err != nil || args == nil {
			return map[string]any{}
		}
		return args
	}
}
