package pointer

import (
	"time"

	dErrors "veto/pkg/domain-errors"
)

// CheckAccess is the enforcement gate consulted before any resolve. Orphaned
// pointers yield a distinct, user-visible denial rather than a generic
// failure: the data and the receipt history remain intact, only access is
// blocked.
func CheckAccess(p *Pointer) error {
	switch p.Status {
	case StatusActive:
		return nil
	case StatusOrphaned:
		return dErrors.New(dErrors.CodeOrphaned, "pointer has been orphaned and cannot be resolved")
	default:
		return dErrors.New(dErrors.CodeInternal, "pointer in unknown state: "+string(p.Status))
	}
}

// Accessible reports whether the gate would allow a resolve.
func Accessible(p *Pointer) bool {
	return p.Status == StatusActive
}

// Orphan applies the one-way lifecycle transition in memory. Re-orphaning is a
// conflict; the caller must not produce a receipt or commit any change when it
// fails.
func (p *Pointer) Orphan(reason *string, now time.Time) error {
	if p.Status == StatusOrphaned {
		return dErrors.New(dErrors.CodeConflict, "pointer is already orphaned")
	}
	p.Status = StatusOrphaned
	p.OrphanedAt = &now
	p.OrphanReason = reason
	return nil
}
