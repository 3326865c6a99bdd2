// Package event defines the closed set of wire events exchanged over a
// signaling WebSocket connection. Inbound frames are dispatched by an
// exhaustive switch over the In* constants; anything outside the set
// is logged and dropped.
package event

import (
	"encoding/json"

	"github.com/google/uuid"

	"meshtalk-backend/internal/domain"
)

// Inbound event types (client -> server)
const (
	InIdentityAnnounce     = "identity:announce"
	InMessageSend          = "message:send"
	InPresenceQueryFriends = "presence:query-friends"
	InCallRequest          = "call:request"
	InCallAccept           = "call:accept"
	InCallReject           = "call:reject"
	InCallConnected        = "call:connected"
	InCallEnd              = "call:end"
	InRTCOffer             = "rtc:offer"
	InRTCAnswer            = "rtc:answer"
	InRTCIce               = "rtc:ice"
	InGroupCallRequest     = "group-call:request"
	InGroupCallJoin        = "group-call:join"
	InGroupCallLeave       = "group-call:leave"
	InGroupCallEnd         = "group-call:end"
)

// Outbound event types (server -> client)
const (
	OutIdentityAck      = "identity:ack"
	OutError            = "error"
	OutPresenceOnline   = "presence:online"
	OutPresenceOffline  = "presence:offline"
	OutPresenceFriends  = "presence:friends"
	OutMessageNew       = "message:new"
	OutMessageFailed    = "message:send-failed"
	OutCallRecord       = "call:record-created"
	OutCallIncoming     = "call:incoming"
	OutCallAccepted     = "call:accepted"
	OutCallRejected     = "call:rejected"
	OutCallEnded        = "call:ended"
	OutRTCOffer         = "rtc:offer-received"
	OutRTCAnswer        = "rtc:answer-received"
	OutRTCIce           = "rtc:ice-received"
	OutGroupCallJoined  = "group-call:participant-joined"
	OutGroupCallLeft    = "group-call:participant-left"
	OutGroupCallEnded   = "group-call:ended"
)

// Envelope is the wire frame. Data is left raw until the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is a typed outbound frame ready for marshalling.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound payloads

// MessageSend carries a send-message intent. Exactly one of
// RecipientID/GroupID must be set. The sender is always the
// connection's registered identity, never taken from the payload.
type MessageSend struct {
	RecipientID  *uuid.UUID `json:"recipient_id,omitempty"`
	GroupID      *uuid.UUID `json:"group_id,omitempty"`
	Content      string     `json:"content"`
	MessageType  string     `json:"message_type"`
	ClientTempID string     `json:"client_temp_id,omitempty"`
}

// CallRequest initiates a 1:1 call. RoomID is caller-generated and
// unique per call attempt.
type CallRequest struct {
	RoomID   string          `json:"room_id"`
	CalleeID uuid.UUID       `json:"callee_id"`
	CallType domain.CallType `json:"call_type"`
}

// CallAnswer is shared by call:accept and call:reject.
type CallAnswer struct {
	RoomID   string    `json:"room_id"`
	RecordID uuid.UUID `json:"record_id"`
}

// CallConnected stamps started_at once ICE negotiation succeeds
// client-side.
type CallConnected struct {
	RecordID uuid.UUID `json:"record_id"`
}

// CallEnd terminates a 1:1 call. TargetUserID, when set, is notified
// directly even if it already left the signaling room.
type CallEnd struct {
	RoomID       string           `json:"room_id"`
	RecordID     uuid.UUID        `json:"record_id"`
	Reason       domain.EndReason `json:"reason"`
	TargetUserID *uuid.UUID       `json:"target_user_id,omitempty"`
}

// RTCSignal carries an SDP offer/answer or an ICE candidate toward one
// peer. The payload is relayed verbatim and never inspected.
type RTCSignal struct {
	RoomID       string          `json:"room_id"`
	TargetUserID uuid.UUID       `json:"target_user_id"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// GroupCallRequest opens a group call room. There is no callee-online
// precondition; group calls are ambient and members may join later.
type GroupCallRequest struct {
	RoomID   string          `json:"room_id"`
	GroupID  uuid.UUID       `json:"group_id"`
	CallType domain.CallType `json:"call_type"`
}

// GroupCallMember is shared by group-call:join and group-call:leave.
type GroupCallMember struct {
	RoomID  string    `json:"room_id"`
	GroupID uuid.UUID `json:"group_id"`
}

// GroupCallEnd terminates a group call for the whole room.
type GroupCallEnd struct {
	RoomID  string    `json:"room_id"`
	GroupID uuid.UUID `json:"group_id"`
	Reason  string    `json:"reason,omitempty"`
}

// Outbound payloads

// IdentityAck confirms registration of the announced identity.
type IdentityAck struct {
	UserID uuid.UUID `json:"user_id"`
}

// ErrorPayload is pushed to the initiating connection on precondition
// or persistence failures, with enough correlation data for the client
// to reconcile.
type ErrorPayload struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	RoomID       string    `json:"room_id,omitempty"`
	ClientTempID string    `json:"client_temp_id,omitempty"`
	RecordID     uuid.UUID `json:"record_id,omitempty"`
}

// PresenceChange announces a friend going online or offline.
type PresenceChange struct {
	UserID uuid.UUID `json:"user_id"`
}

// PresenceFriends answers presence:query-friends with the online
// subset of the asking user's friends.
type PresenceFriends struct {
	OnlineIDs []uuid.UUID `json:"online_ids"`
}

// MessageFailed tells the sender a specific optimistic message failed.
type MessageFailed struct {
	ClientTempID string `json:"client_temp_id,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// CallRecordCreated confirms a pending call record to the caller.
type CallRecordCreated struct {
	RoomID   string    `json:"room_id"`
	RecordID uuid.UUID `json:"record_id"`
}

// CallIncoming rings the callee.
type CallIncoming struct {
	RoomID   string                `json:"room_id"`
	RecordID uuid.UUID             `json:"record_id"`
	CallerID uuid.UUID             `json:"caller_id"`
	Caller   *domain.PublicProfile `json:"caller,omitempty"`
	CallType domain.CallType       `json:"call_type"`
}

// CallAnswered is shared by call:accepted and call:rejected.
type CallAnswered struct {
	RoomID   string    `json:"room_id"`
	RecordID uuid.UUID `json:"record_id"`
	UserID   uuid.UUID `json:"user_id"`
}

// CallEnded notifies call termination.
type CallEnded struct {
	RoomID   string           `json:"room_id"`
	RecordID uuid.UUID        `json:"record_id"`
	Reason   domain.EndReason `json:"reason"`
	UserID   uuid.UUID        `json:"user_id,omitempty"`
}

// RTCSignalReceived is the relayed counterpart of RTCSignal, tagged
// with the sending user so the recipient can correlate the peer.
type RTCSignalReceived struct {
	RoomID     string          `json:"room_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// GroupCallRoster announces a participant joining or leaving, with the
// updated count. On participant-joined, existing members initiate the
// peer connection toward the joiner; the joiner only answers. When a
// pair cannot agree who offers first, the member with the
// lexicographically smaller user ID offers.
type GroupCallRoster struct {
	RoomID           string    `json:"room_id"`
	GroupID          uuid.UUID `json:"group_id"`
	UserID           uuid.UUID `json:"user_id"`
	ParticipantCount int       `json:"participant_count"`
}

// GroupCallEnded broadcasts group call termination to the whole room.
type GroupCallEnded struct {
	RoomID  string    `json:"room_id"`
	GroupID uuid.UUID `json:"group_id"`
	Reason  string    `json:"reason,omitempty"`
}
