// Package chat relays messages between live connections. Exactly one
// durable copy is written per successful send; delivery to connected
// recipients is best-effort and never retried (offline recipients
// catch up through the history service).
package chat

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/registry"
	"meshtalk-backend/pkg/constants"
	"meshtalk-backend/pkg/errors"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
	"meshtalk-backend/pkg/sanitize"
)

// MessageStore is the durable message boundary.
type MessageStore interface {
	Save(ctx context.Context, message *domain.Message) error
}

// UserDirectory resolves public profiles for enrichment.
type UserDirectory interface {
	GetPublicProfile(ctx context.Context, userID uuid.UUID) (*domain.PublicProfile, error)
}

// GroupDirectory answers group membership checks. Only members may
// post to a group's room.
type GroupDirectory interface {
	IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
}

// Emitter pushes events to live connections.
type Emitter interface {
	ToConn(connID string, ev event.Event)
	ToUser(userID uuid.UUID, ev event.Event)
	ToRoomExcept(roomID string, exceptUserID uuid.UUID, ev event.Event)
}

// Service handles message relay
type Service struct {
	registry *registry.Registry
	store    MessageStore
	users    UserDirectory
	groups   GroupDirectory
	emitter  Emitter
}

// NewService creates a new chat service
func NewService(reg *registry.Registry, store MessageStore, users UserDirectory, groups GroupDirectory, emitter Emitter) *Service {
	return &Service{
		registry: reg,
		store:    store,
		users:    users,
		groups:   groups,
		emitter:  emitter,
	}
}

// GroupRoom names the transport room holding a group's joined members.
func GroupRoom(groupID uuid.UUID) string {
	return "group:" + groupID.String()
}

// Send persists and relays one message. senderID comes from the
// connection's registered identity; connID is where failures are
// reported.
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, connID string, in *event.MessageSend) {
	in.Content = sanitize.CleanMessageContent(in.Content)
	if err := validate(in); err != "" {
		s.fail(connID, in.ClientTempID, errors.ErrCodeValidation, err)
		return
	}

	if in.GroupID != nil {
		member, err := s.groups.IsMember(ctx, *in.GroupID, senderID)
		if err != nil {
			logger.Error("failed to check group membership",
				zap.String("group_id", in.GroupID.String()),
				zap.String("sender_id", senderID.String()),
				zap.Error(err))
			s.fail(connID, in.ClientTempID, errors.ErrCodePersistence, "group membership could not be verified")
			return
		}
		if !member {
			s.fail(connID, in.ClientTempID, errors.ErrCodeForbidden, "not a member of this group")
			return
		}
	}

	message := &domain.Message{
		SenderID:    senderID,
		RecipientID: in.RecipientID,
		GroupID:     in.GroupID,
		Content:     in.Content,
		MessageType: in.MessageType,
	}

	if err := s.store.Save(ctx, message); err != nil {
		logger.Error("failed to persist message",
			zap.String("sender_id", senderID.String()),
			zap.Error(err))
		metrics.MessageSendFailedTotal.Inc()
		s.fail(connID, in.ClientTempID, errors.ErrCodePersistence, "message could not be saved")
		return
	}

	// Enrichment is best-effort; a profile miss does not block delivery.
	sender, err := s.users.GetPublicProfile(ctx, senderID)
	if err != nil {
		logger.Warn("sender profile lookup failed",
			zap.String("sender_id", senderID.String()),
			zap.Error(err))
	}

	delivery := &domain.MessageResponse{
		MessageID:   message.MessageID,
		SenderID:    message.SenderID,
		RecipientID: message.RecipientID,
		GroupID:     message.GroupID,
		Content:     message.Content,
		MessageType: message.MessageType,
		Sender:      sender,
		CreatedAt:   message.CreatedAt,
	}

	// The echo carries the sender's optimistic-UI token; recipients
	// have nothing to reconcile.
	echo := *delivery
	echo.ClientTempID = in.ClientTempID

	switch {
	case in.GroupID != nil:
		s.emitter.ToRoomExcept(GroupRoom(*in.GroupID), senderID, event.Event{
			Type: event.OutMessageNew,
			Data: delivery,
		})
		metrics.MessagesRelayedTotal.WithLabelValues("group").Inc()
	default:
		// Offline recipient is not an error; the durable row is the
		// record and history fetch covers the gap.
		if s.registry.IsOnline(*in.RecipientID) {
			s.emitter.ToUser(*in.RecipientID, event.Event{
				Type: event.OutMessageNew,
				Data: delivery,
			})
		}
		metrics.MessagesRelayedTotal.WithLabelValues("direct").Inc()
	}

	s.emitter.ToUser(senderID, event.Event{
		Type: event.OutMessageNew,
		Data: &echo,
	})
}

func validate(in *event.MessageSend) string {
	if in.Content == "" {
		return "content is required"
	}
	if !sanitize.ValidateStringLength(in.Content, 1, constants.MaxMessageLength) {
		return "content exceeds maximum length"
	}
	if !domain.ValidMessageType(in.MessageType) {
		return "unsupported message type"
	}
	if (in.RecipientID == nil) == (in.GroupID == nil) {
		return "exactly one of recipient_id or group_id must be set"
	}
	return ""
}

func (s *Service) fail(connID, clientTempID string, code errors.ErrorCode, message string) {
	s.emitter.ToConn(connID, event.Event{
		Type: event.OutMessageFailed,
		Data: event.MessageFailed{
			ClientTempID: clientTempID,
			Code:         string(code),
			Message:      message,
		},
	})
}
