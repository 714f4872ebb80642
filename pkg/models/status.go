package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoTracks            = errors.New("unit has no tracks")
	ErrTargetTimesMismatch = errors.New("target times do not match tracks")
	ErrResultsMismatch     = errors.New("result slots do not match tracks")
)

// Error tags written onto failed units. Operators and the coordinator's
// tallies match on these exact strings.
const (
	ErrorNoFrames     = "No frames!"
	ErrorLowFrameRate = "Frame rate too low!"
	ErrorTimeout      = "Timeout"
)

// UnitStatus is the read-side view of a unit's lifecycle flags. The flags
// stay the source of truth; the status is never stored.
type UnitStatus string

const (
	UnitStatusPending           UnitStatus = "pending"            // waiting for a claim
	UnitStatusInProgress        UnitStatus = "in_progress"        // claimed by a worker
	UnitStatusFailed            UnitStatus = "failed"             // released after a failure, claimable again
	UnitStatusFinished          UnitStatus = "finished"           // every track evaluated
	UnitStatusPermanentlyFailed UnitStatus = "permanently_failed" // attempts exhausted
)

// DeriveStatus maps lifecycle flags onto a status
func DeriveStatus(started, finished, failed, permanentlyFailed bool) UnitStatus {
	switch {
	case permanentlyFailed:
		return UnitStatusPermanentlyFailed
	case finished:
		return UnitStatusFinished
	case started:
		return UnitStatusInProgress
	case failed:
		return UnitStatusFailed
	default:
		return UnitStatusPending
	}
}

// IsTerminal reports whether the generation barrier can pass over a unit in this status
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusFinished || s == UnitStatusPermanentlyFailed
}

// validTransitions lists the status changes operators and processes may make
var validTransitions = map[UnitStatus]map[UnitStatus]bool{
	UnitStatusPending: {
		UnitStatusInProgress: true, // claim
	},
	UnitStatusFailed: {
		UnitStatusInProgress:        true, // reclaim
		UnitStatusPending:           true, // manual requeue
		UnitStatusPermanentlyFailed: true, // attempts exhausted
	},
	UnitStatusInProgress: {
		UnitStatusFinished:          true,
		UnitStatusFailed:            true,
		UnitStatusPending:           true, // justFailed release or manual requeue
		UnitStatusPermanentlyFailed: true,
	},
	UnitStatusPermanentlyFailed: {
		UnitStatusPending: true, // manual requeue only
	},
	UnitStatusFinished: {
		UnitStatusPending: true, // manual requeue only
	},
}

// ValidateTransition checks whether moving from one status to another is allowed
func ValidateTransition(from, to UnitStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Autopsy tags why a track run ended
type Autopsy string

const (
	AutopsyCollision     Autopsy = "Collision"
	AutopsyStuck         Autopsy = "Stuck"
	AutopsyTime          Autopsy = "Time"
	AutopsyCompleted     Autopsy = "Completed"
	AutopsyFailedToStart Autopsy = "FailedToStart"
	AutopsyUnknown       Autopsy = "Unknown"
)

// AllAutopsies lists every known tag in histogram order
var AllAutopsies = []Autopsy{
	AutopsyCollision,
	AutopsyStuck,
	AutopsyTime,
	AutopsyCompleted,
	AutopsyFailedToStart,
	AutopsyUnknown,
}

// ParseAutopsy normalises a tag reported by a bot client. The legacy
// spelling "Failed to start" is accepted.
func ParseAutopsy(s string) Autopsy {
	switch s {
	case "Collision", "collision":
		return AutopsyCollision
	case "Stuck", "stuck":
		return AutopsyStuck
	case "Time", "time", "Timeout":
		return AutopsyTime
	case "Completed", "completed":
		return AutopsyCompleted
	case "FailedToStart", "Failed to start", "failed_to_start":
		return AutopsyFailedToStart
	default:
		return AutopsyUnknown
	}
}
