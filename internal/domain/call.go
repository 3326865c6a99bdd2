package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType represents the media kind of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ValidCallType reports whether t is a supported call type.
func ValidCallType(t CallType) bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus represents the lifecycle status of a call record
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
)

// ValidCallStatus reports whether s is a known call status.
func ValidCallStatus(s CallStatus) bool {
	switch s {
	case CallStatusPending, CallStatusCompleted, CallStatusMissed,
		CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final status. Once a record reaches
// a terminal status no further status write is accepted.
func (s CallStatus) Terminal() bool {
	return s != CallStatusPending && s != ""
}

// EndReason is the client-supplied reason on a call:end signal
type EndReason string

const (
	EndReasonHangup    EndReason = "hangup"
	EndReasonRejected  EndReason = "rejected"
	EndReasonTimeout   EndReason = "timeout"
	EndReasonCancelled EndReason = "cancelled"
)

// StatusForEndReason maps an end reason to the terminal record status.
func StatusForEndReason(r EndReason) (CallStatus, bool) {
	switch r {
	case EndReasonHangup:
		return CallStatusCompleted, true
	case EndReasonRejected:
		return CallStatusRejected, true
	case EndReasonTimeout:
		return CallStatusMissed, true
	case EndReasonCancelled:
		return CallStatusCancelled, true
	}
	return "", false
}

// CallRecord represents one call attempt's durable lifecycle row,
// independent of the ephemeral in-memory signaling state.
// Maps to CockroachDB call_records table. ReceiverID is set for 1:1
// calls, GroupID for group calls.
type CallRecord struct {
	RecordID   uuid.UUID  `json:"record_id"`
	RoomID     string     `json:"room_id"`
	CallerID   uuid.UUID  `json:"caller_id"`
	ReceiverID *uuid.UUID `json:"receiver_id,omitempty"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
	CallType   CallType   `json:"call_type"`
	Status     CallStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Duration   int        `json:"duration"` // seconds, meaningful once StartedAt is set
	CreatedAt  time.Time  `json:"created_at"`
}
