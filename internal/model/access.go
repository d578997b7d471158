package model

import (
	"fmt"
	"time"
)

// AccessKind is the coarse state of a conversation's send permission.
type AccessKind int

const (
	AccessLocked AccessKind = iota
	AccessActive
	AccessReadOnly
)

func (k AccessKind) String() string {
	switch k {
	case AccessActive:
		return "active"
	case AccessReadOnly:
		return "read_only"
	default:
		return "locked"
	}
}

// Reasons reported with locked and read-only states
const (
	ReasonNoReservation   = "no reservation"
	ReasonCancelled       = "cancelled"
	ReasonSessionEnded    = "session ended"
	ReasonPending         = "payment/confirmation pending"
	ReasonNotStarted      = "not yet started"
	ReasonInvalidSchedule = "invalid reservation schedule"
	ReasonUnavailable     = "reservation unavailable"
)

// AccessState is locked(reason), active(remaining) or read_only(reason).
type AccessState struct {
	Kind      AccessKind    `json:"kind"`
	Reason    string        `json:"reason,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
}

func Locked(reason string) AccessState {
	return AccessState{Kind: AccessLocked, Reason: reason}
}

func ReadOnly(reason string) AccessState {
	return AccessState{Kind: AccessReadOnly, Reason: reason}
}

func Active(remaining time.Duration) AccessState {
	return AccessState{Kind: AccessActive, Remaining: remaining}
}

// IsActive reports whether sending is allowed.
func (s AccessState) IsActive() bool {
	return s.Kind == AccessActive
}

func (s AccessState) String() string {
	if s.Kind == AccessActive {
		return fmt.Sprintf("active(%s)", s.Remaining.Round(time.Second))
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
}
