// Package groupcall orchestrates N-party mesh calls. The server never
// touches media: it keeps the roster, relays per-pair SDP/ICE, and
// books the one durable record per call. Rosters are in-memory only;
// a restart loses them, and only the record survives.
package groupcall

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/registry"
	"meshtalk-backend/internal/rtc"
	"meshtalk-backend/internal/service/callrecord"
	"meshtalk-backend/pkg/errors"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// Emitter pushes events to live connections and manages signaling
// room membership.
type Emitter interface {
	ToConn(connID string, ev event.Event)
	ToUser(userID uuid.UUID, ev event.Event)
	ToRoom(roomID string, ev event.Event)
	JoinRoom(connID, roomID string)
	LeaveRoom(connID, roomID string)
}

// GroupDirectory answers group membership checks. Only members may
// open or join a group's call.
type GroupDirectory interface {
	IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
}

// session is one group call's in-memory roster. Participants appear
// at most once, in join order.
type session struct {
	roomID    string
	groupID   uuid.UUID
	callType  domain.CallType
	recordID  uuid.UUID
	started   bool
	order     []uuid.UUID
	peers     map[uuid.UUID]struct{} // per-peer media state is client-side; the server only tracks membership
	conns     map[string]uuid.UUID   // connID -> participant
}

func (s *session) addParticipant(userID uuid.UUID, connID string) bool {
	if _, exists := s.peers[userID]; exists {
		s.conns[connID] = userID
		return false
	}
	s.peers[userID] = struct{}{}
	s.order = append(s.order, userID)
	s.conns[connID] = userID
	return true
}

func (s *session) removeParticipant(userID uuid.UUID) {
	delete(s.peers, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for connID, id := range s.conns {
		if id == userID {
			delete(s.conns, connID)
		}
	}
}

// Service coordinates group call signaling
type Service struct {
	registry   *registry.Registry
	records    *callrecord.Service
	groups     GroupDirectory
	emitter    Emitter
	candidates *rtc.CandidateBuffer

	mu      sync.Mutex
	byRoom  map[string]*session
	byGroup map[uuid.UUID]string
	byConn  map[string]map[string]*session
}

// NewService creates a new group call service
func NewService(reg *registry.Registry, records *callrecord.Service, groups GroupDirectory, emitter Emitter) *Service {
	return &Service{
		registry:   reg,
		records:    records,
		groups:     groups,
		emitter:    emitter,
		candidates: rtc.NewCandidateBuffer(),
		byRoom:     make(map[string]*session),
		byGroup:    make(map[uuid.UUID]string),
		byConn:     make(map[string]map[string]*session),
	}
}

// Request opens a group call room with the caller as its first
// participant. Group calls are ambient: no callee-online check, other
// members join whenever they like.
func (s *Service) Request(ctx context.Context, callerID uuid.UUID, connID string, in *event.GroupCallRequest) {
	if in.RoomID == "" || !domain.ValidCallType(in.CallType) || in.GroupID == uuid.Nil {
		s.reject(connID, in.RoomID, errors.ErrCodeValidation, "invalid group call request")
		return
	}

	if !s.member(ctx, in.GroupID, callerID, connID, in.RoomID) {
		return
	}

	s.mu.Lock()
	if activeRoom, busy := s.byGroup[in.GroupID]; busy {
		s.mu.Unlock()
		s.reject(connID, activeRoom, errors.ErrCodeCallActive, "group already has an active call")
		return
	}
	if _, exists := s.byRoom[in.RoomID]; exists {
		s.mu.Unlock()
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "room already in use")
		return
	}
	s.mu.Unlock()

	record := &domain.CallRecord{
		RoomID:   in.RoomID,
		CallerID: callerID,
		GroupID:  &in.GroupID,
		CallType: in.CallType,
	}
	if err := s.records.Create(ctx, record); err != nil {
		logger.Error("failed to create group call record",
			zap.String("room_id", in.RoomID),
			zap.Error(err))
		s.reject(connID, in.RoomID, errors.ErrCodePersistence, "call record could not be created")
		return
	}

	sess := &session{
		roomID:   in.RoomID,
		groupID:  in.GroupID,
		callType: in.CallType,
		recordID: record.RecordID,
		peers:    make(map[uuid.UUID]struct{}),
		conns:    make(map[string]uuid.UUID),
	}
	sess.addParticipant(callerID, connID)

	s.mu.Lock()
	_, roomTaken := s.byRoom[in.RoomID]
	_, groupBusy := s.byGroup[in.GroupID]
	if roomTaken || groupBusy {
		// Lost the race to a concurrent request for the same room or
		// group. Close the record just booked so it does not linger
		// pending.
		s.mu.Unlock()
		if _, err := s.records.Finalize(ctx, record.RecordID, domain.CallStatusCancelled); err != nil {
			logger.Error("failed to finalize orphaned group call record",
				zap.String("record_id", record.RecordID.String()),
				zap.Error(err))
		}
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "room already in use")
		return
	}
	s.byRoom[in.RoomID] = sess
	s.byGroup[in.GroupID] = in.RoomID
	s.trackConnLocked(connID, sess)
	count := len(sess.order)
	s.mu.Unlock()

	s.emitter.JoinRoom(connID, in.RoomID)
	s.emitter.ToConn(connID, event.Event{
		Type: event.OutCallRecord,
		Data: event.CallRecordCreated{RoomID: in.RoomID, RecordID: record.RecordID},
	})
	s.emitter.ToRoom(in.RoomID, event.Event{
		Type: event.OutGroupCallJoined,
		Data: event.GroupCallRoster{
			RoomID:           in.RoomID,
			GroupID:          in.GroupID,
			UserID:           callerID,
			ParticipantCount: count,
		},
	})

	metrics.GroupCallsActive.Inc()
}

// Join adds userID to the roster and broadcasts the updated count so
// existing members each offer toward the joiner. The joiner only
// answers; it never offers first.
func (s *Service) Join(ctx context.Context, userID uuid.UUID, connID string, in *event.GroupCallMember) {
	if !s.member(ctx, in.GroupID, userID, connID, in.RoomID) {
		return
	}

	s.mu.Lock()
	sess, ok := s.byRoom[in.RoomID]
	if !ok || sess.groupID != in.GroupID {
		s.mu.Unlock()
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "no active call for this room")
		return
	}
	added := sess.addParticipant(userID, connID)
	s.trackConnLocked(connID, sess)
	count := len(sess.order)
	first := !sess.started && count > 1
	if first {
		sess.started = true
	}
	s.mu.Unlock()

	s.emitter.JoinRoom(connID, in.RoomID)

	if !added {
		// Rejoining participant; roster unchanged, no broadcast.
		return
	}

	if first {
		// The call has a second party; from here duration counts.
		if err := s.records.MarkStarted(ctx, sess.recordID); err != nil {
			logger.Error("failed to stamp group call start",
				zap.String("record_id", sess.recordID.String()),
				zap.Error(err))
		}
	}

	s.emitter.ToRoom(in.RoomID, event.Event{
		Type: event.OutGroupCallJoined,
		Data: event.GroupCallRoster{
			RoomID:           in.RoomID,
			GroupID:          in.GroupID,
			UserID:           userID,
			ParticipantCount: count,
		},
	})
}

// Leave removes userID from the roster, broadcasts the updated count
// so remaining members tear down their peer connection to the leaver,
// and destroys the session when the room empties.
func (s *Service) Leave(ctx context.Context, userID uuid.UUID, connID string, in *event.GroupCallMember) {
	s.leave(ctx, userID, connID, in.RoomID, in.GroupID)
}

func (s *Service) leave(ctx context.Context, userID uuid.UUID, connID, roomID string, groupID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.byRoom[roomID]
	if !ok || (groupID != uuid.Nil && sess.groupID != groupID) {
		s.mu.Unlock()
		return
	}
	if _, member := sess.peers[userID]; !member {
		s.mu.Unlock()
		return
	}
	sess.removeParticipant(userID)
	s.untrackConnLocked(connID, sess)
	count := len(sess.order)
	empty := count == 0
	if empty {
		delete(s.byRoom, sess.roomID)
		delete(s.byGroup, sess.groupID)
	}
	s.mu.Unlock()

	if connID != "" {
		s.emitter.LeaveRoom(connID, roomID)
	}

	s.emitter.ToRoom(roomID, event.Event{
		Type: event.OutGroupCallLeft,
		Data: event.GroupCallRoster{
			RoomID:           roomID,
			GroupID:          sess.groupID,
			UserID:           userID,
			ParticipantCount: count,
		},
	})

	if empty {
		s.closeRecord(ctx, sess)
	}
}

// End broadcasts termination to the whole room and destroys the
// session; each client tears down all its peer connections. Any
// participant may end the call for everyone; there is no notion of a
// host, so the caller's word is final.
func (s *Service) End(ctx context.Context, userID uuid.UUID, connID string, in *event.GroupCallEnd) {
	s.mu.Lock()
	sess, ok := s.byRoom[in.RoomID]
	if !ok {
		s.mu.Unlock()
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "no active call for this room")
		return
	}
	if _, member := sess.peers[userID]; !member {
		s.mu.Unlock()
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "not a participant of this call")
		return
	}
	delete(s.byRoom, sess.roomID)
	delete(s.byGroup, sess.groupID)
	for cid := range sess.conns {
		s.untrackConnLocked(cid, sess)
	}
	s.mu.Unlock()

	s.emitter.ToRoom(in.RoomID, event.Event{
		Type: event.OutGroupCallEnded,
		Data: event.GroupCallEnded{RoomID: in.RoomID, GroupID: sess.groupID, Reason: in.Reason},
	})

	s.closeRecord(ctx, sess)
}

// HandleDisconnect removes the dropped connection's participant from
// any rosters it was in, as if it had sent group-call:leave.
func (s *Service) HandleDisconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.byConn[connID]))
	users := make([]uuid.UUID, 0, len(s.byConn[connID]))
	for _, sess := range s.byConn[connID] {
		if userID, ok := sess.conns[connID]; ok {
			sessions = append(sessions, sess)
			users = append(users, userID)
		}
	}
	s.mu.Unlock()

	for i, sess := range sessions {
		s.leave(ctx, users[i], connID, sess.roomID, uuid.Nil)
	}
}

// HasRoom reports whether a room belongs to an active mesh session.
// The gateway uses it to route SDP/ICE frames between the 1:1 and
// group coordinators.
func (s *Service) HasRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byRoom[roomID]
	return ok
}

// Status returns the point-in-time snapshot of a group's call, for
// clients polling a join banner. IsActive is derived from the roster.
func (s *Service) Status(groupID uuid.UUID) *domain.GroupCallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &domain.GroupCallStatus{GroupID: groupID}
	roomID, ok := s.byGroup[groupID]
	if !ok {
		return status
	}
	sess := s.byRoom[roomID]
	if sess == nil || len(sess.order) == 0 {
		return status
	}

	status.RoomID = sess.roomID
	status.IsActive = true
	status.CallType = sess.callType
	status.ParticipantCount = len(sess.order)
	status.ParticipantIDs = append([]uuid.UUID(nil), sess.order...)
	return status
}

func (s *Service) closeRecord(ctx context.Context, sess *session) {
	applied, err := s.records.Finalize(ctx, sess.recordID, domain.CallStatusCompleted)
	if err != nil {
		logger.Error("failed to finalize group call record",
			zap.String("record_id", sess.recordID.String()),
			zap.Error(err))
	} else if applied {
		metrics.GroupCallsActive.Dec()
		metrics.CallsTotal.WithLabelValues(string(domain.CallStatusCompleted)).Inc()
	}
	s.candidates.Forget(sess.roomID)
}

func (s *Service) trackConnLocked(connID string, sess *session) {
	if s.byConn[connID] == nil {
		s.byConn[connID] = make(map[string]*session)
	}
	s.byConn[connID][sess.roomID] = sess
}

func (s *Service) untrackConnLocked(connID string, sess *session) {
	if rooms, ok := s.byConn[connID]; ok {
		delete(rooms, sess.roomID)
		if len(rooms) == 0 {
			delete(s.byConn, connID)
		}
	}
}

// member gates Request and Join on the group roster. A lookup failure
// is reported as persistence trouble, not as a denial.
func (s *Service) member(ctx context.Context, groupID, userID uuid.UUID, connID, roomID string) bool {
	ok, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		logger.Error("failed to check group membership",
			zap.String("group_id", groupID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		s.reject(connID, roomID, errors.ErrCodePersistence, "group membership could not be verified")
		return false
	}
	if !ok {
		s.reject(connID, roomID, errors.ErrCodeForbidden, "not a member of this group")
		return false
	}
	return true
}

func (s *Service) reject(connID, roomID string, code errors.ErrorCode, message string) {
	s.emitter.ToConn(connID, event.Event{
		Type: event.OutError,
		Data: event.ErrorPayload{Code: string(code), Message: message, RoomID: roomID},
	})
}
