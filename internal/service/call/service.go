// Package call orchestrates the 1:1 call state machine: request,
// accept/reject, connected, end, plus verbatim SDP/ICE relay between
// the two parties. Durable lifecycle goes through the call record
// service; everything else lives in memory and dies with the process.
package call

import (
	"context"
	"sync"
	"time"

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

// FriendChecker answers the only-friends-can-call precondition.
type FriendChecker interface {
	IsFriend(ctx context.Context, userA, userB uuid.UUID) (bool, error)
}

// UserDirectory resolves caller profiles for the incoming-call ring.
type UserDirectory interface {
	GetPublicProfile(ctx context.Context, userID uuid.UUID) (*domain.PublicProfile, error)
}

// Emitter pushes events to live connections and manages signaling
// room membership.
type Emitter interface {
	ToConn(connID string, ev event.Event)
	ToUser(userID uuid.UUID, ev event.Event)
	ToRoom(roomID string, ev event.Event)
	JoinRoom(connID, roomID string)
	LeaveRoom(connID, roomID string)
}

// activeCall is the in-memory state of one call attempt. The record
// row is the durable shadow; this struct is gone once the call ends.
type activeCall struct {
	roomID    string
	recordID  uuid.UUID
	callerID  uuid.UUID
	calleeID  uuid.UUID
	callType  domain.CallType
	accepted  bool
	ringTimer *time.Timer
	conns     map[string]uuid.UUID // connID -> user joined to the signaling room
}

func (c *activeCall) peerOf(userID uuid.UUID) uuid.UUID {
	if userID == c.callerID {
		return c.calleeID
	}
	return c.callerID
}

// Service coordinates 1:1 call signaling
type Service struct {
	registry   *registry.Registry
	records    *callrecord.Service
	friends    FriendChecker
	users      UserDirectory
	emitter    Emitter
	candidates *rtc.CandidateBuffer

	ringTimeout time.Duration

	mu       sync.Mutex
	byRoom   map[string]*activeCall
	byRecord map[uuid.UUID]*activeCall
	byConn   map[string]map[string]*activeCall
}

// NewService creates a new call service. ringTimeout bounds how long a
// pending call may ring before the server force-transitions it to
// missed.
func NewService(
	reg *registry.Registry,
	records *callrecord.Service,
	friends FriendChecker,
	users UserDirectory,
	emitter Emitter,
	ringTimeout time.Duration,
) *Service {
	return &Service{
		registry:    reg,
		records:     records,
		friends:     friends,
		users:       users,
		emitter:     emitter,
		candidates:  rtc.NewCandidateBuffer(),
		ringTimeout: ringTimeout,
		byRoom:      make(map[string]*activeCall),
		byRecord:    make(map[uuid.UUID]*activeCall),
		byConn:      make(map[string]map[string]*activeCall),
	}
}

// Request initiates a call toward calleeID. Both parties must be
// friends and the callee must be online; a failed precondition is
// reported to the caller only and mutates nothing.
func (s *Service) Request(ctx context.Context, callerID uuid.UUID, connID string, in *event.CallRequest) {
	if in.RoomID == "" || !domain.ValidCallType(in.CallType) || in.CalleeID == callerID {
		s.reject(connID, in.RoomID, errors.ErrCodeValidation, "invalid call request")
		return
	}

	isFriend, err := s.friends.IsFriend(ctx, callerID, in.CalleeID)
	if err != nil {
		logger.Error("friendship check failed",
			zap.String("caller_id", callerID.String()),
			zap.Error(err))
		s.reject(connID, in.RoomID, errors.ErrCodePersistence, "could not verify friendship")
		return
	}
	if !isFriend {
		s.reject(connID, in.RoomID, errors.ErrCodeNotFriends, "only friends can call each other")
		return
	}

	if !s.registry.IsOnline(in.CalleeID) {
		s.reject(connID, in.RoomID, errors.ErrCodeRecipientOffline, "recipient is offline")
		return
	}

	s.mu.Lock()
	_, exists := s.byRoom[in.RoomID]
	s.mu.Unlock()
	if exists {
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "room already in use")
		return
	}

	record := &domain.CallRecord{
		RoomID:     in.RoomID,
		CallerID:   callerID,
		ReceiverID: &in.CalleeID,
		CallType:   in.CallType,
	}
	if err := s.records.Create(ctx, record); err != nil {
		logger.Error("failed to create call record",
			zap.String("room_id", in.RoomID),
			zap.Error(err))
		s.reject(connID, in.RoomID, errors.ErrCodePersistence, "call record could not be created")
		return
	}

	call := &activeCall{
		roomID:   in.RoomID,
		recordID: record.RecordID,
		callerID: callerID,
		calleeID: in.CalleeID,
		callType: in.CallType,
		conns:    map[string]uuid.UUID{connID: callerID},
	}
	call.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		s.onRingTimeout(record.RecordID)
	})

	s.mu.Lock()
	if _, exists := s.byRoom[in.RoomID]; exists {
		s.mu.Unlock()
		call.ringTimer.Stop()
		// Lost the race to a concurrent request for the same room.
		// Close the record just booked so it does not linger pending.
		if _, err := s.records.Finalize(ctx, record.RecordID, domain.CallStatusCancelled); err != nil {
			logger.Error("failed to finalize orphaned call record",
				zap.String("record_id", record.RecordID.String()),
				zap.Error(err))
		}
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "room already in use")
		return
	}
	s.track(call, connID, callerID)
	s.mu.Unlock()

	s.emitter.JoinRoom(connID, in.RoomID)

	s.emitter.ToConn(connID, event.Event{
		Type: event.OutCallRecord,
		Data: event.CallRecordCreated{RoomID: in.RoomID, RecordID: record.RecordID},
	})

	caller, err := s.users.GetPublicProfile(ctx, callerID)
	if err != nil {
		logger.Warn("caller profile lookup failed",
			zap.String("caller_id", callerID.String()),
			zap.Error(err))
	}
	s.emitter.ToUser(in.CalleeID, event.Event{
		Type: event.OutCallIncoming,
		Data: event.CallIncoming{
			RoomID:   in.RoomID,
			RecordID: record.RecordID,
			CallerID: callerID,
			Caller:   caller,
			CallType: in.CallType,
		},
	})

	metrics.CallsActive.Inc()
}

// Accept joins the callee to the signaling room and notifies the
// caller. The record status stays pending; completed is only written
// at termination, and started_at comes from the separate connected
// signal.
func (s *Service) Accept(ctx context.Context, userID uuid.UUID, connID string, in *event.CallAnswer) {
	s.mu.Lock()
	call, ok := s.byRoom[in.RoomID]
	if !ok || call.calleeID != userID {
		s.mu.Unlock()
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "no ringing call for this room")
		return
	}
	call.accepted = true
	call.ringTimer.Stop()
	s.track(call, connID, userID)
	s.mu.Unlock()

	s.emitter.JoinRoom(connID, in.RoomID)
	s.emitter.ToRoom(in.RoomID, event.Event{
		Type: event.OutCallAccepted,
		Data: event.CallAnswered{RoomID: in.RoomID, RecordID: call.recordID, UserID: userID},
	})
}

// Reject finalizes the record as rejected and notifies the caller.
func (s *Service) Reject(ctx context.Context, userID uuid.UUID, connID string, in *event.CallAnswer) {
	s.mu.Lock()
	call, ok := s.byRoom[in.RoomID]
	if !ok || call.calleeID != userID {
		s.mu.Unlock()
		s.reject(connID, in.RoomID, errors.ErrCodeInvalidRoom, "no ringing call for this room")
		return
	}
	s.untrackLocked(call)
	s.mu.Unlock()

	s.finalize(ctx, call, domain.CallStatusRejected)
	s.emitter.ToRoom(in.RoomID, event.Event{
		Type: event.OutCallRejected,
		Data: event.CallAnswered{RoomID: in.RoomID, RecordID: call.recordID, UserID: userID},
	})
	s.cleanup(call)
}

// Connected stamps started_at on the record once the clients report a
// working media path. Idempotent.
func (s *Service) Connected(ctx context.Context, userID uuid.UUID, in *event.CallConnected) {
	s.mu.Lock()
	call, ok := s.byRecord[in.RecordID]
	s.mu.Unlock()
	if !ok || (userID != call.callerID && userID != call.calleeID) {
		return
	}

	if err := s.records.MarkStarted(ctx, in.RecordID); err != nil {
		logger.Error("failed to stamp call start",
			zap.String("record_id", in.RecordID.String()),
			zap.Error(err))
	}
}

// End terminates the call with the client-supplied reason, notifying
// the room and, when targetUserID is set, that user's connection
// directly. The direct notify is what guarantees delivery when the
// peer already tore down its room membership.
func (s *Service) End(ctx context.Context, userID uuid.UUID, connID string, in *event.CallEnd) {
	status, ok := domain.StatusForEndReason(in.Reason)
	if !ok {
		s.reject(connID, in.RoomID, errors.ErrCodeValidation, "unknown end reason")
		return
	}

	s.mu.Lock()
	call, exists := s.byRoom[in.RoomID]
	if !exists || (userID != call.callerID && userID != call.calleeID) {
		s.mu.Unlock()
		// Second end of an already-terminated call. The first write
		// won; nothing to overwrite, nothing to notify.
		logger.Debug("end for unknown call room, ignoring",
			zap.String("room_id", in.RoomID),
			zap.String("user_id", userID.String()))
		return
	}
	s.untrackLocked(call)
	s.mu.Unlock()

	s.finalize(ctx, call, status)

	ended := event.CallEnded{
		RoomID:   in.RoomID,
		RecordID: call.recordID,
		Reason:   in.Reason,
		UserID:   userID,
	}
	s.emitter.ToRoom(in.RoomID, event.Event{Type: event.OutCallEnded, Data: ended})
	if in.TargetUserID != nil {
		s.emitter.ToUser(*in.TargetUserID, event.Event{Type: event.OutCallEnded, Data: ended})
	}

	s.emitter.LeaveRoom(connID, in.RoomID)
	s.cleanup(call)
}

// HandleDisconnect synthesizes a cancelled end for every call the
// dropped connection was part of, so the surviving peer is not left
// ringing against a dead socket.
func (s *Service) HandleDisconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	calls := make([]*activeCall, 0, len(s.byConn[connID]))
	for _, call := range s.byConn[connID] {
		calls = append(calls, call)
	}
	for _, call := range calls {
		s.untrackLocked(call)
	}
	delete(s.byConn, connID)
	s.mu.Unlock()

	for _, call := range calls {
		droppedUser := call.conns[connID]
		if droppedUser == uuid.Nil {
			droppedUser = call.callerID
		}

		s.finalize(ctx, call, domain.CallStatusCancelled)

		ended := event.CallEnded{
			RoomID:   call.roomID,
			RecordID: call.recordID,
			Reason:   domain.EndReasonCancelled,
			UserID:   droppedUser,
		}
		s.emitter.ToRoom(call.roomID, event.Event{Type: event.OutCallEnded, Data: ended})
		s.emitter.ToUser(call.peerOf(droppedUser), event.Event{Type: event.OutCallEnded, Data: ended})
		s.cleanup(call)

		logger.Info("call cancelled by transport disconnect",
			zap.String("room_id", call.roomID),
			zap.String("record_id", call.recordID.String()))
	}
}

// onRingTimeout force-transitions an unanswered call to missed so a
// crashed caller cannot leave the record pending forever.
func (s *Service) onRingTimeout(recordID uuid.UUID) {
	s.mu.Lock()
	call, ok := s.byRecord[recordID]
	if !ok || call.accepted {
		s.mu.Unlock()
		return
	}
	s.untrackLocked(call)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.finalize(ctx, call, domain.CallStatusMissed)

	ended := event.CallEnded{
		RoomID:   call.roomID,
		RecordID: call.recordID,
		Reason:   domain.EndReasonTimeout,
	}
	s.emitter.ToRoom(call.roomID, event.Event{Type: event.OutCallEnded, Data: ended})
	s.emitter.ToUser(call.calleeID, event.Event{Type: event.OutCallEnded, Data: ended})
	metrics.CallRingTimeoutsTotal.Inc()
	s.cleanup(call)
}

// track indexes the call under s.mu.
func (s *Service) track(call *activeCall, connID string, userID uuid.UUID) {
	s.byRoom[call.roomID] = call
	s.byRecord[call.recordID] = call
	call.conns[connID] = userID
	if s.byConn[connID] == nil {
		s.byConn[connID] = make(map[string]*activeCall)
	}
	s.byConn[connID][call.roomID] = call
}

// untrackLocked removes all indexes for the call; caller holds s.mu.
func (s *Service) untrackLocked(call *activeCall) {
	call.ringTimer.Stop()
	delete(s.byRoom, call.roomID)
	delete(s.byRecord, call.recordID)
	for connID := range call.conns {
		if rooms, ok := s.byConn[connID]; ok {
			delete(rooms, call.roomID)
			if len(rooms) == 0 {
				delete(s.byConn, connID)
			}
		}
	}
}

func (s *Service) finalize(ctx context.Context, call *activeCall, status domain.CallStatus) {
	applied, err := s.records.Finalize(ctx, call.recordID, status)
	if err != nil {
		logger.Error("failed to finalize call record",
			zap.String("record_id", call.recordID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if !applied {
		logger.Debug("call record already finalized",
			zap.String("record_id", call.recordID.String()),
			zap.String("status", string(status)))
		return
	}
	metrics.CallsActive.Dec()
	metrics.CallsTotal.WithLabelValues(string(status)).Inc()
}

func (s *Service) cleanup(call *activeCall) {
	s.candidates.Forget(call.roomID)
}

func (s *Service) reject(connID, roomID string, code errors.ErrorCode, message string) {
	s.emitter.ToConn(connID, event.Event{
		Type: event.OutError,
		Data: event.ErrorPayload{Code: string(code), Message: message, RoomID: roomID},
	})
}
