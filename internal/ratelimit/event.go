package ratelimit

import (
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

// Outcome is what the limiter did with a request.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailOpen Outcome = "fail_open"
)

// Event describes one decision. It is passed to Config.OnDecision.
type Event struct {
	Time    time.Time        `json:"time"`
	Limiter string           `json:"limiter"`
	Key     string           `json:"key,omitempty"`
	Method  string           `json:"method,omitempty"`
	Path    string           `json:"path,omitempty"`
	Outcome Outcome          `json:"outcome"`
	Result  *strategy.Result `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}
