package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"meshtalk-backend/internal/domain"
)

// MessageRepository handles durable message storage in Cassandra.
// Partitions are keyed by conversation and bucketed by day so a busy
// conversation never grows a single partition unbounded.
type MessageRepository struct {
	session *gocql.Session
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

// Save inserts a new message. This is the one durable copy created per
// successful send; live delivery is best-effort on top of it.
func (r *MessageRepository) Save(ctx context.Context, message *domain.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Bucket == 0 {
		message.Bucket = domain.CalculateBucket(message.CreatedAt)
	}
	if message.MessageID == uuid.Nil {
		message.MessageID = uuid.New()
	}

	query := `
		INSERT INTO messages (
			conversation_key, bucket, message_id, sender_id, recipient_id,
			group_id, content, message_type, is_read, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.ConversationKey(),
		message.Bucket,
		message.MessageID,
		message.SenderID,
		message.RecipientID,
		message.GroupID,
		message.Content,
		message.MessageType,
		message.IsRead,
		message.CreatedAt,
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}
