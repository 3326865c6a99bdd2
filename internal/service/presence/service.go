// Package presence tracks which users are online and fans out
// online/offline transitions to their friends' live connections.
// Presence is derived from the connection registry, never stored;
// the Redis mirror exists only for sibling services to read.
package presence

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/registry"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// FriendStore resolves a user's accepted friend list.
type FriendStore interface {
	FriendIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Mirror receives best-effort copies of presence transitions. The
// online key carries a TTL, so it must be refreshed while the
// connection lives or the mirror drifts offline under it.
type Mirror interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// Emitter pushes events to live connections.
type Emitter interface {
	ToConn(connID string, ev event.Event)
	ToUser(userID uuid.UUID, ev event.Event)
}

// Service handles presence registration and fan-out
type Service struct {
	registry *registry.Registry
	friends  FriendStore
	mirror   Mirror
	emitter  Emitter
}

// NewService creates a new presence service. mirror may be nil when no
// Redis is configured.
func NewService(reg *registry.Registry, friends FriendStore, mirror Mirror, emitter Emitter) *Service {
	return &Service{
		registry: reg,
		friends:  friends,
		mirror:   mirror,
		emitter:  emitter,
	}
}

// HandleAnnounce registers the connection for userID and notifies
// every currently-online friend. It returns the connection evicted by
// last-connect-wins, if any, so the gateway can close the stale
// socket. A friend-list lookup failure degrades to skipping the
// fan-out; the connection stays up either way.
func (s *Service) HandleAnnounce(ctx context.Context, userID uuid.UUID, connID string) (string, bool) {
	evicted, hadPrev := s.registry.Register(userID, connID)

	s.fanOut(ctx, userID, event.OutPresenceOnline)

	if s.mirror != nil {
		if err := s.mirror.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("presence mirror write failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	s.emitter.ToConn(connID, event.Event{
		Type: event.OutIdentityAck,
		Data: event.IdentityAck{UserID: userID},
	})

	return evicted, hadPrev
}

// HandleDisconnect unregisters the connection and notifies online
// friends that the user went offline. Unknown connections (never
// announced, or already evicted) are a no-op.
func (s *Service) HandleDisconnect(ctx context.Context, connID string) (uuid.UUID, bool) {
	userID, ok := s.registry.Unregister(connID)
	if !ok {
		return uuid.Nil, false
	}

	s.fanOut(ctx, userID, event.OutPresenceOffline)

	if s.mirror != nil {
		if err := s.mirror.SetUserOffline(ctx, userID); err != nil {
			logger.Warn("presence mirror write failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	return userID, true
}

// Heartbeat extends the mirror's online TTL for userID. The gateway
// calls it on every pong, which arrives well inside the TTL window.
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.RefreshPresence(ctx, userID); err != nil {
		logger.Warn("presence mirror refresh failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// QueryFriendsOnline answers a freshly-connected client with the
// online subset of its friends, on the asking connection only.
func (s *Service) QueryFriendsOnline(ctx context.Context, userID uuid.UUID, connID string) {
	friendIDs, err := s.friends.FriendIDsOf(ctx, userID)
	if err != nil {
		logger.Warn("friend list lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		friendIDs = nil
	}

	online := s.registry.IntersectOnline(friendIDs)
	s.emitter.ToConn(connID, event.Event{
		Type: event.OutPresenceFriends,
		Data: event.PresenceFriends{OnlineIDs: online},
	})
}

// OnlineSnapshot returns the registered user IDs for the HTTP surface.
func (s *Service) OnlineSnapshot() []uuid.UUID {
	return s.registry.ListOnline()
}

// fanOut emits a presence transition for userID to each of their
// online friends.
func (s *Service) fanOut(ctx context.Context, userID uuid.UUID, eventType string) {
	friendIDs, err := s.friends.FriendIDsOf(ctx, userID)
	if err != nil {
		logger.Warn("friend list lookup failed, skipping presence fan-out",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	change := event.PresenceChange{UserID: userID}
	for _, friendID := range s.registry.IntersectOnline(friendIDs) {
		s.emitter.ToUser(friendID, event.Event{Type: eventType, Data: change})
	}
	metrics.PresenceFanoutTotal.WithLabelValues(eventType).Inc()
}
