package orchestrator

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("Rate Limit exceeded for model"), true},
		{"quota", errors.New("quota exceeded: requests per minute"), true},
		{"http 429", errors.New("unexpected status 429"), true},
		{"http 503", errors.New("server returned 503"), true},
		{"unavailable", errors.New("model temporarily UNAVAILABLE"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"timeout", errors.New("dial tcp: i/o timeout"), true},
		{"wrapped", fmt.Errorf("generate: %w", errors.New("502 bad gateway")), true},
		{"bad request", errors.New("invalid argument: unknown model"), false},
		{"auth", errors.New("permission denied: API key invalid"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialInterval <= 0 || cfg.MaxInterval < cfg.InitialInterval {
		t.Errorf("intervals invalid: %+v", cfg)
	}
	if cfg.MaxInterval != 10*time.Second {
		t.Errorf("MaxInterval = %v, want 10s", cfg.MaxInterval)
	}
}
