package outreach

// OutcomeKind classifies the result of processing one unit of work.
type OutcomeKind int

const (
	// OutcomeSent means a send attempt succeeded and state advanced.
	OutcomeSent OutcomeKind = iota
	// OutcomeSkipped means the item was intentionally left alone
	// (stop condition, lease held elsewhere, bad data, budget).
	OutcomeSkipped
	// OutcomeFailed means an attempt was made and did not succeed.
	OutcomeFailed
	// OutcomeApplied means an inbound event mutated state.
	OutcomeApplied
	// OutcomeDiscarded means an inbound event was ignored on purpose.
	OutcomeDiscarded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeApplied:
		return "applied"
	case OutcomeDiscarded:
		return "discarded"
	}
	return "unknown"
}

// Outcome is the per-item result reported back to callers instead of
// exception-style control flow: failure handling stays visible in the
// signature of everything that processes enrollments or events.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

func sent() Outcome                  { return Outcome{Kind: OutcomeSent} }
func skipped(reason string) Outcome  { return Outcome{Kind: OutcomeSkipped, Reason: reason} }
func failed(reason string) Outcome   { return Outcome{Kind: OutcomeFailed, Reason: reason} }
func applied(reason string) Outcome  { return Outcome{Kind: OutcomeApplied, Reason: reason} }
func discarded(reason string) Outcome { return Outcome{Kind: OutcomeDiscarded, Reason: reason} }
