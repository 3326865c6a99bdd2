package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Message types
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Message represents a chat message entity
// Maps to Cassandra messages table. Exactly one of RecipientID/GroupID
// is set: direct messages carry a recipient, group messages a group.
type Message struct {
	MessageID   uuid.UUID  `json:"message_id" cql:"message_id"`
	SenderID    uuid.UUID  `json:"sender_id" cql:"sender_id"`
	RecipientID *uuid.UUID `json:"recipient_id,omitempty" cql:"recipient_id"`
	GroupID     *uuid.UUID `json:"group_id,omitempty" cql:"group_id"`
	Content     string     `json:"content" cql:"content"`
	MessageType string     `json:"message_type" cql:"message_type"` // text, image, file
	IsRead      bool       `json:"is_read" cql:"is_read"`
	CreatedAt   time.Time  `json:"created_at" cql:"created_at"`
	Bucket      int        `json:"-" cql:"bucket"`
}

// ValidMessageType reports whether t is a supported message type.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// CalculateBucket maps a timestamp to a Cassandra partition bucket
// (one bucket per day) so a conversation's rows do not grow unbounded
// in a single partition.
func CalculateBucket(t time.Time) int {
	return t.UTC().Year()*10000 + int(t.UTC().Month())*100 + t.UTC().Day()
}

// MessageResponse is the enriched message pushed to live connections
// and returned from history queries. ClientTempID echoes the sender's
// optimistic-UI correlation token.
type MessageResponse struct {
	MessageID    uuid.UUID      `json:"message_id"`
	SenderID     uuid.UUID      `json:"sender_id"`
	RecipientID  *uuid.UUID     `json:"recipient_id,omitempty"`
	GroupID      *uuid.UUID     `json:"group_id,omitempty"`
	Content      string         `json:"content"`
	MessageType  string         `json:"message_type"`
	Sender       *PublicProfile `json:"sender,omitempty"`
	ClientTempID string         `json:"client_temp_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// conversationNamespace seeds the deterministic direct-conversation
// key derivation.
var conversationNamespace = uuid.MustParse("7e3f1c52-9d04-47b8-b0a5-2f4e8f6a1d93")

// DirectConversationKey derives the Cassandra partition key for a 1:1
// conversation from the unordered user pair, so both directions land
// in the same partition.
func DirectConversationKey(a, b uuid.UUID) uuid.UUID {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return uuid.NewSHA1(conversationNamespace, append(a[:], b[:]...))
}

// ConversationKey returns the partition key for the message: the group
// ID for group messages, the pair key otherwise.
func (m *Message) ConversationKey() uuid.UUID {
	if m.GroupID != nil {
		return *m.GroupID
	}
	if m.RecipientID != nil {
		return DirectConversationKey(m.SenderID, *m.RecipientID)
	}
	return uuid.Nil
}
