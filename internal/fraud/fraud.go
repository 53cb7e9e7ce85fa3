// Package fraud defines the call contract to the external fraud scoring
// collaborator. The scoring heuristics live outside this engine; this package
// only carries the synchronous check boundary.
package fraud

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Assessment carries the facts the scorer needs about an in-flight transaction.
type Assessment struct {
	TransactionID string
	ActorID       string
	Amount        decimal.Decimal
	Kind          string
}

// Decision is the scorer's verdict.
type Decision struct {
	Flagged   bool
	Reason    string
	RiskScore int
}

// Scorer evaluates a transaction for fraud before funds move.
type Scorer interface {
	Check(ctx context.Context, a Assessment) (Decision, error)
}

// ThresholdScorer flags any transaction above a fixed amount ceiling. A zero
// or negative ceiling disables flagging. Stands in for the real scoring
// service in development and demos.
type ThresholdScorer struct {
	Ceiling decimal.Decimal
}

// Check applies the amount ceiling.
func (s ThresholdScorer) Check(_ context.Context, a Assessment) (Decision, error) {
	if s.Ceiling.IsPositive() && a.Amount.GreaterThan(s.Ceiling) {
		return Decision{
			Flagged:   true,
			Reason:    fmt.Sprintf("amount %s exceeds review ceiling %s", a.Amount, s.Ceiling),
			RiskScore: 100,
		}, nil
	}
	return Decision{RiskScore: 10}, nil
}
