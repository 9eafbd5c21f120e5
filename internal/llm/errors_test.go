package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limited", genai.APIError{Code: 429}, Transient},
		{"server error", genai.APIError{Code: 503}, Transient},
		{"request timeout", genai.APIError{Code: 408}, Transient},
		{"bad request", genai.APIError{Code: 400}, Fatal},
		{"unauthorized", genai.APIError{Code: 401}, Fatal},
		{"forbidden", genai.APIError{Code: 403}, Fatal},
		{"wrapped api error", fmt.Errorf("call: %w", genai.APIError{Code: 500}), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"malformed", fmt.Errorf("%w: junk", ErrMalformedResponse), Transient},
		{"message fallback", errors.New("RESOURCE_EXHAUSTED: quota"), Transient},
		{"unknown", errors.New("invalid model name"), Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("label", tt.err)
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if e.Kind != tt.want {
				t.Errorf("kind = %v, want %v", e.Kind, tt.want)
			}
			if e.Err == nil || e.Op != "label" {
				t.Errorf("classified error should carry the original and the op: %+v", e)
			}
		})
	}
}

func TestClassifyPassesCancellationThrough(t *testing.T) {
	err := Classify("label", context.Canceled)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled unchanged, got %v", err)
	}
	if IsTransient(err) || IsFatal(err) {
		t.Error("cancellation is neither transient nor fatal")
	}
}

func TestClassifyRetryInfo(t *testing.T) {
	apiErr := genai.APIError{
		Code: 429,
		Details: []map[string]any{
			{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "7s"},
		},
	}
	var e *Error
	if !errors.As(Classify("embed", apiErr), &e) {
		t.Fatal("expected *Error")
	}
	if e.RetryAfter != 7*time.Second || e.StatusCode != 429 {
		t.Errorf("got status %d retry %v", e.StatusCode, e.RetryAfter)
	}
}
