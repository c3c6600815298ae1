// Package orchestrator runs one conversation turn as a tool-call state
// machine.
//
// A turn loops through SELECT (model proposes tool calls), EXECUTE (calls
// run locally, concurrently, with per-call isolation) and OBSERVE (results
// join the transcript in request order) until the model answers or the
// round budget runs out, then produces the final response. When the caller
// forces retrieval and the model's first selection skips the retrieval
// tool, the orchestrator synthesizes the call itself and pairs its result
// into the transcript the same way a model-requested call would be.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/qiyuan-ai/agentchat/internal/tools"
)

// ErrEmptyTranscript indicates a turn started without a user message.
var ErrEmptyTranscript = errors.New("empty transcript")

// fallbackResponseMessage is returned when the model produces no text.
const fallbackResponseMessage = "I'm sorry, I was unable to produce a response. Please try rephrasing your question."

// groundingInstruction steers the final generation to the gathered tool
// output once retrieval has run.
const groundingInstruction = "Answer using only the information returned by the tools above. " +
	"If the tool results do not contain the answer, say that you don't know."

// budgetNote is appended when the round budget forces the final answer.
const budgetNote = "The tool call budget for this turn is exhausted. " +
	"Answer now with the information gathered so far and mention any remaining uncertainty."

// StreamCallback receives response text incrementally.
type StreamCallback func(ctx context.Context, text string) error

// GenerateOptions controls a single model call.
type GenerateOptions struct {
	// UseTools advertises the tool set and asks for tool requests back.
	UseTools bool

	// Stream receives text chunks as the model produces them.
	Stream StreamCallback
}

// Generator is the model boundary. The production implementation wraps
// genkit.Generate; tests script responses.
type Generator interface {
	Generate(ctx context.Context, messages []*ai.Message, opts GenerateOptions) (*ai.ModelResponse, error)
}

// Config tunes the turn state machine.
type Config struct {
	// MaxRounds is the tool-call round budget per turn.
	MaxRounds int

	// ToolTimeout bounds each individual tool call. 0 disables the bound.
	ToolTimeout time.Duration

	// ToolDefaults holds per-tool deployment arguments merged into model
	// arguments without overwriting them (tools.MergeArgs semantics).
	ToolDefaults map[string]map[string]any
}

// Request is one turn's input.
type Request struct {
	// Messages is the prior transcript; the last entry is the user message.
	Messages []*ai.Message

	// ForceRetrieval guarantees at least one knowledge retrieval in the
	// turn: if the first selection requests none, one is synthesized
	// from the latest user message.
	ForceRetrieval bool

	// Stream optionally receives the final answer incrementally.
	Stream StreamCallback
}

// Response is one turn's outcome. A turn that starts always produces an
// answer; tool failures surface in the transcript, not as turn errors.
type Response struct {
	Text            string
	Transcript      []*ai.Message // full transcript including tool exchanges
	Rounds          int           // executed tool-call rounds
	ForcedRetrieval bool
	UsedRetrieval   bool
}

// Orchestrator executes turns. Safe for concurrent use: per-turn state
// lives on the stack, shared state is the registry and the emitter.
type Orchestrator struct {
	gen      Generator
	registry *tools.Registry
	emitter  tools.Emitter
	cfg      Config
	logger   *slog.Logger
}

// New creates an orchestrator. emitter may be nil.
func New(gen Generator, registry *tools.Registry, emitter tools.Emitter, cfg Config, logger *slog.Logger) *Orchestrator {
	if emitter == nil {
		emitter = tools.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	return &Orchestrator{
		gen:      gen,
		registry: registry,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one turn.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyTranscript
	}

	msgs := slices.Clone(req.Messages)
	resp := &Response{}
	budgetExceeded := false

	for round := 0; ; round++ {
		if round >= o.cfg.MaxRounds {
			budgetExceeded = true
			o.logger.Warn("round budget exhausted", "rounds", round)
			break
		}

		genResp, err := o.gen.Generate(ctx, msgs, GenerateOptions{UseTools: true})
		if err != nil {
			return nil, fmt.Errorf("generate round %d: %w", round, err)
		}

		toolReqs := genResp.ToolRequests()

		if round == 0 && req.ForceRetrieval && !requestsRetrieval(toolReqs) {
			if forced := o.forcedRetrievalRequest(req.Messages); forced != nil {
				toolReqs = append(slices.Clone(toolReqs), forced)
				resp.ForcedRetrieval = true
			}
		}

		if len(toolReqs) == 0 {
			if !resp.UsedRetrieval {
				// Direct answer: nothing to ground, respond with the
				// selection output itself.
				return o.finishDirect(ctx, msgs, genResp, req.Stream, resp)
			}
			break
		}

		// EXECUTE and OBSERVE: the model message carrying the requests and
		// the tool message carrying the results join the transcript as one
		// unit, results in request order.
		modelMsg := modelMessageFor(genResp, toolReqs)
		results := o.executeAll(ctx, toolReqs)
		msgs = appendToolExchange(msgs, modelMsg, results)

		resp.Rounds++
		if requestsRetrieval(toolReqs) {
			resp.UsedRetrieval = true
		}
	}

	return o.finishGrounded(ctx, msgs, budgetExceeded, req.Stream, resp)
}

// finishDirect completes a turn in which the model answered without any
// retrieval: its selection output is the final answer.
func (o *Orchestrator) finishDirect(ctx context.Context, msgs []*ai.Message, genResp *ai.ModelResponse, stream StreamCallback, resp *Response) (*Response, error) {
	text := strings.TrimSpace(genResp.Text())
	if text == "" {
		text = fallbackResponseMessage
	}

	if stream != nil {
		if err := stream(ctx, text); err != nil {
			return nil, fmt.Errorf("stream response: %w", err)
		}
	}

	resp.Text = text
	resp.Transcript = append(msgs, textModelMessage(text))
	return resp, nil
}

// finishGrounded runs the final generation over the tool-augmented
// transcript, streaming the answer.
func (o *Orchestrator) finishGrounded(ctx context.Context, msgs []*ai.Message, budgetExceeded bool, stream StreamCallback, resp *Response) (*Response, error) {
	final := slices.Clone(msgs)
	if resp.UsedRetrieval {
		final = append(final, systemTextMessage(groundingInstruction))
	}
	if budgetExceeded {
		final = append(final, systemTextMessage(budgetNote))
	}

	var opts GenerateOptions
	if stream != nil {
		opts.Stream = func(ctx context.Context, text string) error {
			return stream(ctx, text)
		}
	}

	genResp, err := o.gen.Generate(ctx, final, opts)
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	text := strings.TrimSpace(genResp.Text())
	if text == "" {
		text = fallbackResponseMessage
		if stream != nil {
			if err := stream(ctx, text); err != nil {
				return nil, fmt.Errorf("stream fallback: %w", err)
			}
		}
	}

	resp.Text = text
	resp.Transcript = append(msgs, textModelMessage(text))
	return resp, nil
}

// executeAll runs every tool request concurrently and returns one tool
// response part per request, in request order.
func (o *Orchestrator) executeAll(ctx context.Context, reqs []*ai.ToolRequest) []*ai.Part {
	parts := make([]*ai.Part, len(reqs))

	var wg sync.WaitGroup
	for i, tr := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			output := o.executeOne(ctx, tr)
			parts[i] = ai.NewToolResponsePart(&ai.ToolResponse{
				Ref:    tr.Ref,
				Name:   tr.Name,
				Output: output,
			})
		}()
	}
	wg.Wait()

	return parts
}

// executeOne runs a single tool call. Failures of any kind (unknown tool,
// error, panic, timeout) are converted into result text so the turn keeps
// going; the raw error goes to the log and the emitter.
func (o *Orchestrator) executeOne(ctx context.Context, tr *ai.ToolRequest) string {
	o.emitter.Emit(tools.Event{Title: tr.Name, Status: tools.StatusStart})

	tool, ok := o.registry.Lookup(tr.Name)
	if !ok {
		o.logger.Warn("unknown tool requested", "tool", tr.Name)
		o.emitter.Emit(tools.Event{Title: tr.Name, Status: tools.StatusError, Message: "tool not found"})
		return fmt.Sprintf("Tool %q is not available. Do not call it again; use the available tools or answer directly.", tr.Name)
	}

	args := requestArgs(tr)
	if defaults := o.cfg.ToolDefaults[tr.Name]; len(defaults) > 0 {
		args = tools.MergeArgs(args, defaults)
	}

	callCtx := ctx
	if o.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	output, err := safeInvoke(callCtx, tool, args)
	if err != nil {
		o.logger.Error("tool call failed", "tool", tr.Name, "elapsed", time.Since(start), "error", err)
		o.emitter.Emit(tools.Event{Title: tr.Name, Status: tools.StatusError, Message: err.Error()})
		return fmt.Sprintf("Tool %q failed: %v", tr.Name, err)
	}

	if tool.IsAsync() && output == "" {
		output = fmt.Sprintf("Tool %q started; its results will arrive asynchronously.", tr.Name)
	}

	o.logger.Debug("tool call completed", "tool", tr.Name, "elapsed", time.Since(start))
	o.emitter.Emit(tools.Event{Title: tr.Name, Status: tools.StatusEnd})
	return output
}

// safeInvoke shields the turn from tool panics.
func safeInvoke(ctx context.Context, tool tools.Tool, args map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Invoke(ctx, args)
}

// forcedRetrievalRequest synthesizes a retrieval call from the latest
// user message. Returns nil when there is no user text to search for.
func (o *Orchestrator) forcedRetrievalRequest(msgs []*ai.Message) *ai.ToolRequest {
	query := latestUserText(msgs)
	if query == "" {
		return nil
	}
	return &ai.ToolRequest{
		Ref:   uuid.NewString(),
		Name:  tools.KnowledgeRetrievalName,
		Input: map[string]any{"query": query},
	}
}

// requestsRetrieval reports whether any request targets the retrieval tool.
func requestsRetrieval(reqs []*ai.ToolRequest) bool {
	for _, tr := range reqs {
		if tr.Name == tools.KnowledgeRetrievalName {
			return true
		}
	}
	return false
}
