package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Kind separates failures worth retrying from failures that never will succeed.
type Kind int

const (
	Transient Kind = iota + 1
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrMalformedResponse is returned when the model keeps answering with output
// that cannot be parsed, after the retry budget is spent.
var ErrMalformedResponse = errors.New("malformed model response")

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Op         string        // Gateway operation, e.g. "label"
	StatusCode int           // HTTP status when the provider reported one
	RetryAfter time.Duration // Server-requested backoff, zero if none
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Transient
}

// IsFatal reports whether err is a classified fatal failure.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Fatal
}

// Classify wraps a raw provider error into an *Error. Context cancellation is
// returned unchanged so callers can stop without retrying.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ErrMalformedResponse) {
		return &Error{Kind: Transient, Op: op, Err: err}
	}

	if code, retryAfter, ok := apiStatus(err); ok {
		return &Error{Kind: kindForStatus(code), Op: op, StatusCode: code, RetryAfter: retryAfter, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Transient, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: Transient, Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "resource_exhausted", "503", "unavailable", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return &Error{Kind: Transient, Op: op, Err: err}
		}
	}
	return &Error{Kind: Fatal, Op: op, Err: err}
}

func kindForStatus(code int) Kind {
	switch {
	case code == 408, code == 429, code >= 500:
		return Transient
	default:
		return Fatal
	}
}

// apiStatus extracts the HTTP status and any RetryInfo delay from a genai API error.
func apiStatus(err error) (int, time.Duration, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, retryDelay(apiErr.Details), true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, retryDelay(apiErrPtr.Details), true
	}
	return 0, 0, false
}

func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		if s, ok := d["retryDelay"].(string); ok {
			if delay, err := time.ParseDuration(s); err == nil {
				return delay
			}
		}
	}
	return 0
}
