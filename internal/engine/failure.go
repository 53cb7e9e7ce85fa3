package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide whether a retry makes
// sense: input errors and busy/infrastructure conditions are retryable,
// policy failures are terminal for their idempotency key.
type Kind string

const (
	KindValidationFailed  Kind = "VALIDATION_FAILED"
	KindWalletNotActive   Kind = "WALLET_NOT_ACTIVE"
	KindResourceBusy      Kind = "RESOURCE_BUSY"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindFraudFlagged      Kind = "FRAUD_FLAGGED"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// Failure is the structured error returned for every non-success outcome.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Cacheable reports whether the failure is a policy outcome that must be
// recorded against the idempotency key, so a client retry replays the same
// negative result instead of re-running fraud and balance checks.
func (f *Failure) Cacheable() bool {
	return f.Kind == KindInsufficientFunds || f.Kind == KindFraudFlagged
}

func failf(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// reason encodes the failure for the transaction's failure_reason column so
// the outcome can be reconstructed when the cache entry has expired but the
// transaction row survives.
func (f *Failure) reason() string {
	return string(f.Kind) + ": " + f.Message
}

func failureFromReason(reason string) *Failure {
	kind, message, found := strings.Cut(reason, ": ")
	if !found {
		return &Failure{Kind: KindInternal, Message: reason}
	}
	switch Kind(kind) {
	case KindValidationFailed, KindWalletNotActive, KindResourceBusy,
		KindInsufficientFunds, KindFraudFlagged, KindNotFound, KindInternal:
		return &Failure{Kind: Kind(kind), Message: message}
	default:
		return &Failure{Kind: KindInternal, Message: reason}
	}
}
