package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int           // maximum retry attempts after the first call
	InitialInterval time.Duration // initial backoff interval
	MaxInterval     time.Duration // backoff cap
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups transient-error substrings by category,
// matched case-insensitively against err.Error(). String matching is the
// only option here: Genkit and the provider SDKs expose no typed errors
// for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

// retryableError reports whether err is transient and worth retrying.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
	}
	return false
}

// GeneratorConfig configures the Genkit-backed Generator.
type GeneratorConfig struct {
	ModelName string
	RateRPS   float64 // model calls per second; 0 disables rate limiting
	Retry     RetryConfig
}

// GenkitGenerator implements Generator over genkit.Generate. Tool-enabled
// calls ask Genkit to return tool requests instead of running the tool
// loop itself; the orchestrator owns execution.
type GenkitGenerator struct {
	g        *genkit.Genkit
	toolRefs []ai.ToolRef
	cfg      GeneratorConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewGenkitGenerator creates the production Generator.
func NewGenkitGenerator(g *genkit.Genkit, toolRefs []ai.ToolRef, cfg GeneratorConfig, logger *slog.Logger) *GenkitGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	var limiter *rate.Limiter
	if cfg.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), 1)
	}

	return &GenkitGenerator{
		g:        g,
		toolRefs: toolRefs,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
	}
}

// Generate runs one model call with rate limiting and bounded retry.
func (gg *GenkitGenerator) Generate(ctx context.Context, messages []*ai.Message, opts GenerateOptions) (*ai.ModelResponse, error) {
	genOpts := []ai.GenerateOption{
		ai.WithModelName(gg.cfg.ModelName),
		ai.WithMessages(messages...),
	}
	if opts.UseTools && len(gg.toolRefs) > 0 {
		genOpts = append(genOpts,
			ai.WithTools(gg.toolRefs...),
			ai.WithReturnToolRequests(true),
		)
	}
	if opts.Stream != nil {
		genOpts = append(genOpts, ai.WithStreaming(
			func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
				return opts.Stream(ctx, chunk.Text())
			}))
	}

	return gg.generateWithRetry(ctx, genOpts)
}

// generateWithRetry executes the call with exponential backoff. Each
// attempt, including retries, waits on the rate limiter first.
func (gg *GenkitGenerator) generateWithRetry(ctx context.Context, genOpts []ai.GenerateOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := gg.cfg.Retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= gg.cfg.Retry.MaxRetries; attempt++ {
		if gg.limiter != nil {
			if err := gg.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := genkit.Generate(ctx, gg.g, genOpts...)
		if err == nil {
			gg.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}
		if attempt == gg.cfg.Retry.MaxRetries {
			break
		}

		gg.logger.Debug("retrying model call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, gg.cfg.Retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed %v): %w",
		gg.cfg.Retry.MaxRetries, time.Since(start), lastErr)
}
