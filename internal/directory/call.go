// Package directory persists call records and surfaces incoming-call
// notifications. It is a best-effort mirror of the lifecycle manager's
// in-memory state: a failed write here must never block call teardown.
package directory

import "time"

type CallType string

const (
	TypeVoice CallType = "voice"
	TypeVideo CallType = "video"
)

type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"
	StatusEnded    CallStatus = "ended"
	StatusRejected CallStatus = "rejected"
	StatusMissed   CallStatus = "missed"
)

// Terminal reports whether the status ends a call. A call carries at most one
// terminal status, ever; updates past it are dropped.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusMissed:
		return true
	}
	return false
}

// Call is one voice/video session record. CallerID, RecipientID and CallType
// are immutable after creation; Status moves one-way toward a terminal state.
type Call struct {
	ID              string     `json:"id"`
	CallerID        string     `json:"caller_id"`
	RecipientID     string     `json:"recipient_id"`
	CallType        CallType   `json:"call_type"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// Clone returns an independent copy so callers can hand records across
// goroutines without sharing mutable state.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// StatusUpdate carries one status transition. Nil timestamps are left as-is.
type StatusUpdate struct {
	Status          CallStatus
	AnsweredAt      *time.Time
	EndedAt         *time.Time
	DurationSeconds int
}
