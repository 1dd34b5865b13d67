package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies why a provider call failed. The router keys
// its fallback and cooldown decisions on this.
type FailureKind string

const (
	FailAuth      FailureKind = "auth"
	FailRateLimit FailureKind = "rate_limit"
	FailNetwork   FailureKind = "network"
	FailParse     FailureKind = "parse"
	FailBudget    FailureKind = "budget"
	FailCancelled FailureKind = "cancelled"
)

// Failure wraps a provider error with enough structure to route on.
type Failure struct {
	Kind     FailureKind
	Provider string
	Status   int
	Err      error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", f.Provider, f.Kind, f.Status, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Provider, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the same provider is worth another
// attempt. Auth and malformed-request failures never clear on retry;
// rate limits and transport blips do.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case FailRateLimit, FailNetwork:
		return true
	}
	return false
}

// failStatus maps an HTTP error status to a Failure.
func failStatus(provider string, status int, body string) *Failure {
	kind := FailParse
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = FailAuth
	case status == http.StatusPaymentRequired:
		kind = FailBudget
	case status == http.StatusTooManyRequests:
		kind = FailRateLimit
	case status >= 500:
		kind = FailNetwork
	}
	return &Failure{
		Kind:     kind,
		Provider: provider,
		Status:   status,
		Err:      fmt.Errorf("api error: %s", body),
	}
}

// failTransport maps a transport-level error to a Failure. Cancelled
// is reserved for a caller whose context is actually done: an
// http.Client timeout also surfaces as context.DeadlineExceeded, and
// that is an outage of the provider, not a shutdown of the caller.
func failTransport(ctx context.Context, provider string, err error) *Failure {
	kind := FailNetwork
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		kind = FailCancelled
	}
	return &Failure{Kind: kind, Provider: provider, Err: err}
}

// failParse marks an unusable response body.
func failParse(provider string, err error) *Failure {
	return &Failure{Kind: FailParse, Provider: provider, Err: err}
}
