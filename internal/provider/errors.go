package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/pkg/types"
)

// MaxErrorBodySize limits how much of an error response body is read.
const MaxErrorBodySize = 64 * 1024

// ErrNotConfigured is wrapped by adapters whose endpoint or credentials are absent.
var ErrNotConfigured = errors.New("provider not configured")

// Error is the classified failure every adapter returns.
type Error struct {
	Provider string
	Kind     types.ErrorKind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(provider string, kind types.ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// KindOf classifies any error produced while calling a provider.
func KindOf(err error) types.ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return types.ErrKindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrKindTimeout
	case errors.Is(err, ErrNotConfigured):
		return types.ErrKindNotConfigured
	default:
		return types.ErrKindProviderUnavailable
	}
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == types.ErrKindProviderUnavailable
}

// countsAsFailure reports whether err should move a provider's breaker toward open.
func countsAsFailure(err error) bool {
	switch KindOf(err) {
	case types.ErrKindProviderUnavailable, types.ErrKindTimeout:
		return true
	}
	return false
}

// IsSkippable reports whether the adapter should be treated as absent rather than failed.
func IsSkippable(err error) bool {
	return KindOf(err) == types.ErrKindNotConfigured
}

// kindForStatus maps an HTTP status to the failure taxonomy.
func kindForStatus(status int) types.ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.ErrKindUnauthenticated
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return types.ErrKindProviderUnavailable
	case status >= 400:
		return types.ErrKindInvalidInput
	default:
		return types.ErrKindProviderUnavailable
	}
}

// statusError reads a bounded error body and classifies the response.
func statusError(provider string, resp *http.Response) *Error {
	body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
	return newError(provider, kindForStatus(resp.StatusCode),
		fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// classifyTransport turns a raw call error into a provider Error. ctx errors win.
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(provider, types.ErrKindTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrNotConfigured):
		return newError(provider, types.ErrKindNotConfigured, err)
	}
	return newError(provider, types.ErrKindProviderUnavailable, err)
}

// llmStatusPattern finds the HTTP status langchaingo clients embed in their
// error text ("API returned unexpected status code: 400: ...", "status 503").
var llmStatusPattern = regexp.MustCompile(`\bstatus(?: code)?[:= ]+([1-5][0-9]{2})\b`)

// classifyLLMError maps langchaingo client errors, which carry status text rather
// than typed errors, onto the taxonomy. The status code decides when present;
// message keywords are only consulted without one.
func classifyLLMError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return classifyTransport(provider, err)
	}
	msg := strings.ToLower(err.Error())
	if m := llmStatusPattern.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		return newError(provider, kindForStatus(status), err)
	}
	switch {
	case containsAny(msg, "unauthorized", "invalid api key", "invalid x-api-key", "permission denied"):
		return newError(provider, types.ErrKindUnauthenticated, err)
	case containsAny(msg, "invalid_request_error", "context length"):
		return newError(provider, types.ErrKindInvalidInput, err)
	}
	return newError(provider, types.ErrKindProviderUnavailable, err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
