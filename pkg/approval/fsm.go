package approval

import (
	"errors"
	"time"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid approval transition")

type Event string

const (
	EventAutoApprove   Event = "AUTO_APPROVE"
	EventManualApprove Event = "MANUAL_APPROVE"
	EventReject        Event = "REJECT"
	EventExpire        Event = "EXPIRE"
	EventCancel        Event = "CANCEL"
)

// CanTransition answers whether a status change is legal. Only pending has
// outgoing edges; every other status is terminal.
func CanTransition(from, to models.ApprovalStatus) bool {
	if from != models.ApprovalPending {
		return false
	}
	switch to {
	case models.ApprovalAutoApproved, models.ApprovalManuallyApproved,
		models.ApprovalRejected, models.ApprovalExpired, models.ApprovalCancelled:
		return true
	default:
		return false
	}
}

func Transition(from, to models.ApprovalStatus) (models.ApprovalStatus, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from models.ApprovalStatus, event Event) (models.ApprovalStatus, error) {
	switch event {
	case EventAutoApprove:
		return Transition(from, models.ApprovalAutoApproved)
	case EventManualApprove:
		return Transition(from, models.ApprovalManuallyApproved)
	case EventReject:
		return Transition(from, models.ApprovalRejected)
	case EventExpire:
		return Transition(from, models.ApprovalExpired)
	case EventCancel:
		return Transition(from, models.ApprovalCancelled)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status models.ApprovalStatus) bool {
	return status != models.ApprovalPending
}

// IsApproved reports whether the record reached a state that permits
// execution.
func IsApproved(status models.ApprovalStatus) bool {
	return status == models.ApprovalAutoApproved || status == models.ApprovalManuallyApproved
}

// CountdownElapsed reports whether an auto-approval countdown has run out.
// Records without a deadline never expire on their own.
func CountdownElapsed(now time.Time, deadline *time.Time) bool {
	if deadline == nil || deadline.IsZero() {
		return false
	}
	return !now.UTC().Before(deadline.UTC())
}
