/**
 * @description
 * This file defines the canonical order status set and the forward-only transition
 * rule shared by every status source (webhook pushes, status polls, sweeps).
 *
 * @notes
 * - Pending < Processing < terminal. Every terminal status has the same rank, so a
 *   terminal order can never move to a different terminal status.
 * - Provider vocabularies are mapped onto this set at the adapter boundary only.
 */

package domain

// Status is the service's normalized view of an order's progress.
type Status string

const (
	StatusUnknown    Status = ""
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusSettled    Status = "settled"
	StatusRefunded   Status = "refunded"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

const (
	rankUnknown = iota
	rankPending
	rankProcessing
	rankTerminal
)

// ParseStatus converts a stored status string into a Status. Unrecognized values
// return StatusUnknown.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusDelivered, StatusSettled,
		StatusRefunded, StatusExpired, StatusFailed:
		return Status(raw)
	default:
		return StatusUnknown
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return rankPending
	case StatusProcessing:
		return rankProcessing
	case StatusDelivered, StatusSettled, StatusRefunded, StatusExpired, StatusFailed:
		return rankTerminal
	default:
		return rankUnknown
	}
}

// IsKnown reports whether s is one of the canonical statuses.
func (s Status) IsKnown() bool { return s.rank() != rankUnknown }

// IsTerminal reports whether no further transition may be applied after s.
func (s Status) IsTerminal() bool { return s.rank() == rankTerminal }

// IsSuccess reports whether s is a terminal-success status.
func (s Status) IsSuccess() bool { return s == StatusDelivered || s == StatusSettled }

// IsFailure reports whether s is a terminal-failure status.
func (s Status) IsFailure() bool {
	return s == StatusRefunded || s == StatusExpired || s == StatusFailed
}

// TransitionDecision is the result of comparing an observed status with the
// current one.
type TransitionDecision int

const (
	// TransitionApply means the observed status moves the order forward.
	TransitionApply TransitionDecision = iota
	// TransitionRedundant means the order is already at the observed status.
	TransitionRedundant
	// TransitionRegressive means the observed status would move the order backwards
	// or from one terminal status to another.
	TransitionRegressive
	// TransitionUnknown means the observed status could not be mapped.
	TransitionUnknown
)

func (d TransitionDecision) String() string {
	switch d {
	case TransitionApply:
		return "apply"
	case TransitionRedundant:
		return "redundant"
	case TransitionRegressive:
		return "regressive"
	default:
		return "unknown"
	}
}

// DecideTransition applies the forward-only rule to a (current, next) pair.
func DecideTransition(current, next Status) TransitionDecision {
	if !next.IsKnown() || !current.IsKnown() {
		return TransitionUnknown
	}
	if current == next {
		return TransitionRedundant
	}
	if current.IsTerminal() {
		return TransitionRegressive
	}
	if next.rank() > current.rank() {
		return TransitionApply
	}
	return TransitionRegressive
}

// AtOrBeyond reports whether s has reached at least the progress of other. It is
// used by a writer that lost a conditional update to decide whether its own signal
// became redundant.
func (s Status) AtOrBeyond(other Status) bool {
	if s == other {
		return true
	}
	if s.IsTerminal() {
		return true
	}
	return s.rank() > other.rank()
}
