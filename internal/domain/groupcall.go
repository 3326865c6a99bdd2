package domain

import (
	"github.com/google/uuid"
)

// GroupCallStatus is the point-in-time snapshot of a group call's
// in-memory roster, served to clients polling for a join banner.
type GroupCallStatus struct {
	GroupID          uuid.UUID   `json:"group_id"`
	RoomID           string      `json:"room_id,omitempty"`
	IsActive         bool        `json:"is_active"`
	CallType         CallType    `json:"call_type,omitempty"`
	ParticipantCount int         `json:"participant_count"`
	ParticipantIDs   []uuid.UUID `json:"participant_ids,omitempty"`
}
