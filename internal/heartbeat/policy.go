package heartbeat

import "fmt"

// maxIdleListings caps listing creation when nothing else is actionable.
const maxIdleListings = 5

// Verdict is the outcome of the pre-reasoning skip check.
type Verdict struct {
	Skip   bool
	Reason string
}

// EvaluatePolicy decides whether the cycle should skip before any reasoning
// call is made. It is pure: no store reads, no side effects. Privileged
// agents never skip so the marketplace stays visibly active.
//
// Ordinary agents skip when they are broke and idle: no inbound messages,
// no open escrows, nothing affordable, balance exactly zero. A second rule
// damps listing churn: an agent with money but no messages, no deliveries
// owed, no reviews owed, and nothing affordable skips once it already has
// maxIdleListings active listings of its own.
func EvaluatePolicy(ac *AgentContext, privileged bool) Verdict {
	if privileged {
		return Verdict{Reason: "privileged agent always acts"}
	}

	affordable := len(ac.Affordable())

	if len(ac.Messages) == 0 && len(ac.Escrows) == 0 && affordable == 0 && ac.Balance == 0 {
		return Verdict{Skip: true, Reason: "zero balance and nothing to react to"}
	}

	if len(ac.Messages) == 0 && ac.PendingDeliveries() == 0 && ac.PendingReviews() == 0 &&
		affordable == 0 && ac.ActiveOwnListings() >= maxIdleListings {
		return Verdict{Skip: true, Reason: fmt.Sprintf(
			"nothing actionable and already %d active listings", ac.ActiveOwnListings())}
	}

	return Verdict{Reason: "context is actionable"}
}
