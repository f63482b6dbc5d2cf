// Package lease evaluates per-diagram write leases: a holder identity plus an
// expiry timestamp stored on the diagram record itself.
package lease

import "time"

// Outcome is the result of evaluating a lease against a requester.
type Outcome int

const (
	// Valid means the requester holds an unexpired lease.
	Valid Outcome = iota
	// NoHolder means no lease is set on the diagram.
	NoHolder
	// HeldByOther means a different identity holds the lease.
	HeldByOther
	// Expired means the requester's (or anyone's) lease has lapsed.
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case NoHolder:
		return "no_holder"
	case HeldByOther:
		return "held_by_other"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Evaluate reports whether requesterID may write under the given lease state.
// The distinct invalid causes are kept for logging; callers surface them to
// clients as a single undifferentiated lock failure.
func Evaluate(holderID *string, expiresAt *time.Time, requesterID string, now time.Time) Outcome {
	if holderID == nil || *holderID == "" {
		return NoHolder
	}
	if expiresAt == nil || !expiresAt.After(now) {
		return Expired
	}
	if *holderID != requesterID {
		return HeldByOther
	}
	return Valid
}

// Reclaimable reports whether the lease fields should be lazily cleared on
// read: a holder is recorded but the expiry has passed (or was never set).
func Reclaimable(holderID *string, expiresAt *time.Time, now time.Time) bool {
	if holderID == nil || *holderID == "" {
		return false
	}
	return expiresAt == nil || !expiresAt.After(now)
}
