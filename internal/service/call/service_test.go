package call

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/registry"
	"meshtalk-backend/internal/service/callrecord"
	"meshtalk-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

// fakeRecordStore is an in-memory callrecord.Store with the same
// first-terminal-write-wins behavior as the SQL implementation.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.CallRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[uuid.UUID]*domain.CallRecord)}
}

func (f *fakeRecordStore) Create(ctx context.Context, record *domain.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.RecordID = uuid.New()
	record.CreatedAt = time.Now().UTC()
	stored := *record
	f.records[record.RecordID] = &stored
	return nil
}

func (f *fakeRecordStore) MarkStarted(ctx context.Context, recordID uuid.UUID, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[recordID]
	if ok && record.StartedAt == nil && record.Status == domain.CallStatusPending {
		record.StartedAt = &startedAt
	}
	return nil
}

func (f *fakeRecordStore) Finalize(ctx context.Context, recordID uuid.UUID, status domain.CallStatus, endedAt time.Time, duration int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[recordID]
	if !ok || record.Status != domain.CallStatusPending {
		return false, nil
	}
	record.Status = status
	record.EndedAt = &endedAt
	record.Duration = duration
	return true, nil
}

func (f *fakeRecordStore) GetByID(ctx context.Context, recordID uuid.UUID) (*domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := *f.records[recordID]
	return &record, nil
}

func (f *fakeRecordStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	return nil, nil
}

func (f *fakeRecordStore) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeRecordStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CallRecord, error) {
	return nil, nil
}

func (f *fakeRecordStore) only(t *testing.T) *domain.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.records, 1)
	for _, record := range f.records {
		copied := *record
		return &copied
	}
	return nil
}

type MockFriendChecker struct {
	mock.Mock
}

func (m *MockFriendChecker) IsFriend(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) GetPublicProfile(ctx context.Context, userID uuid.UUID) (*domain.PublicProfile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PublicProfile), args.Error(1)
}

// recordingEmitter captures everything the service emits.
type recordingEmitter struct {
	mu      sync.Mutex
	toConn  map[string][]event.Event
	toUser  map[uuid.UUID][]event.Event
	toRoom  map[string][]event.Event
	joined  map[string][]string // connID -> rooms
	left    map[string][]string
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		toConn: make(map[string][]event.Event),
		toUser: make(map[uuid.UUID][]event.Event),
		toRoom: make(map[string][]event.Event),
		joined: make(map[string][]string),
		left:   make(map[string][]string),
	}
}

func (e *recordingEmitter) ToConn(connID string, ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toConn[connID] = append(e.toConn[connID], ev)
}

func (e *recordingEmitter) ToUser(userID uuid.UUID, ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toUser[userID] = append(e.toUser[userID], ev)
}

func (e *recordingEmitter) ToRoom(roomID string, ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toRoom[roomID] = append(e.toRoom[roomID], ev)
}

func (e *recordingEmitter) JoinRoom(connID, roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined[connID] = append(e.joined[connID], roomID)
}

func (e *recordingEmitter) LeaveRoom(connID, roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left[connID] = append(e.left[connID], roomID)
}

func (e *recordingEmitter) userEvents(userID uuid.UUID) []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.toUser[userID]...)
}

func (e *recordingEmitter) connEvents(connID string) []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.toConn[connID]...)
}

func (e *recordingEmitter) roomEvents(roomID string) []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.toRoom[roomID]...)
}

type fixture struct {
	service  *Service
	registry *registry.Registry
	store    *fakeRecordStore
	friends  *MockFriendChecker
	users    *MockUserDirectory
	emitter  *recordingEmitter

	callerID uuid.UUID
	calleeID uuid.UUID
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	f := &fixture{
		registry: registry.New(),
		store:    newFakeRecordStore(),
		friends:  new(MockFriendChecker),
		users:    new(MockUserDirectory),
		emitter:  newRecordingEmitter(),
		callerID: uuid.New(),
		calleeID: uuid.New(),
	}
	f.service = NewService(f.registry, callrecord.NewService(f.store), f.friends, f.users, f.emitter, ringTimeout)
	return f
}

func (f *fixture) bothOnline() {
	f.registry.Register(f.callerID, "conn-caller")
	f.registry.Register(f.calleeID, "conn-callee")
}

func (f *fixture) friendly() {
	f.friends.On("IsFriend", mock.Anything, f.callerID, f.calleeID).Return(true, nil)
	f.users.On("GetPublicProfile", mock.Anything, f.callerID).Return(&domain.PublicProfile{UserID: f.callerID, DisplayName: "caller"}, nil)
}

func (f *fixture) request(roomID string) {
	f.service.Request(context.Background(), f.callerID, "conn-caller", &event.CallRequest{
		RoomID:   roomID,
		CalleeID: f.calleeID,
		CallType: domain.CallTypeVideo,
	})
}

func TestRequest_RingsCalleeAndCreatesPendingRecord(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()
	f.friendly()

	f.request("room-1")

	record := f.store.only(t)
	assert.Equal(t, domain.CallStatusPending, record.Status)
	assert.Equal(t, "room-1", record.RoomID)
	assert.Equal(t, f.callerID, record.CallerID)
	assert.Equal(t, f.calleeID, *record.ReceiverID)

	// Caller learned its record ID and joined the signaling room.
	callerEvents := f.emitter.connEvents("conn-caller")
	assert.Len(t, callerEvents, 1)
	assert.Equal(t, event.OutCallRecord, callerEvents[0].Type)
	assert.Equal(t, []string{"room-1"}, f.emitter.joined["conn-caller"])

	// Callee is ringing with the caller's profile attached.
	calleeEvents := f.emitter.userEvents(f.calleeID)
	assert.Len(t, calleeEvents, 1)
	assert.Equal(t, event.OutCallIncoming, calleeEvents[0].Type)
	incoming := calleeEvents[0].Data.(event.CallIncoming)
	assert.Equal(t, record.RecordID, incoming.RecordID)
	assert.Equal(t, "caller", incoming.Caller.DisplayName)
}

func TestRequest_RejectsNonFriend(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()
	f.friends.On("IsFriend", mock.Anything, f.callerID, f.calleeID).Return(false, nil)

	f.request("room-1")

	callerEvents := f.emitter.connEvents("conn-caller")
	assert.Len(t, callerEvents, 1)
	assert.Equal(t, event.OutError, callerEvents[0].Type)
	assert.Equal(t, "NOT_FRIENDS", callerEvents[0].Data.(event.ErrorPayload).Code)

	// No record, no ring.
	assert.Empty(t, f.store.records)
	assert.Empty(t, f.emitter.userEvents(f.calleeID))
}

func TestRequest_RejectsOfflineCallee(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.registry.Register(f.callerID, "conn-caller")
	f.friends.On("IsFriend", mock.Anything, f.callerID, f.calleeID).Return(true, nil)

	f.request("room-1")

	callerEvents := f.emitter.connEvents("conn-caller")
	assert.Len(t, callerEvents, 1)
	assert.Equal(t, "RECIPIENT_OFFLINE", callerEvents[0].Data.(event.ErrorPayload).Code)
	assert.Empty(t, f.store.records)
}

func TestLifecycle_AcceptConnectedHangup(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()
	f.friendly()
	ctx := context.Background()

	f.request("room-1")
	record := f.store.only(t)

	f.service.Accept(ctx, f.calleeID, "conn-callee", &event.CallAnswer{RoomID: "room-1", RecordID: record.RecordID})

	// Accept keeps the record pending; the room hears about it.
	assert.Equal(t, domain.CallStatusPending, f.store.only(t).Status)
	roomEvents := f.emitter.roomEvents("room-1")
	assert.Len(t, roomEvents, 1)
	assert.Equal(t, event.OutCallAccepted, roomEvents[0].Type)

	f.service.Connected(ctx, f.callerID, &event.CallConnected{RecordID: record.RecordID})
	assert.NotNil(t, f.store.only(t).StartedAt)

	f.service.End(ctx, f.calleeID, "conn-callee", &event.CallEnd{
		RoomID:   "room-1",
		RecordID: record.RecordID,
		Reason:   domain.EndReasonHangup,
	})

	final := f.store.only(t)
	assert.Equal(t, domain.CallStatusCompleted, final.Status)
	assert.NotNil(t, final.EndedAt)
}

func TestEnd_SecondEndDoesNotOverwrite(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()
	f.friendly()
	ctx := context.Background()

	f.request("room-1")
	record := f.store.only(t)

	f.service.Reject(ctx, f.calleeID, "conn-callee", &event.CallAnswer{RoomID: "room-1", RecordID: record.RecordID})
	assert.Equal(t, domain.CallStatusRejected, f.store.only(t).Status)

	// A racing hangup from the caller arrives after termination.
	f.service.End(ctx, f.callerID, "conn-caller", &event.CallEnd{
		RoomID:   "room-1",
		RecordID: record.RecordID,
		Reason:   domain.EndReasonHangup,
	})

	assert.Equal(t, domain.CallStatusRejected, f.store.only(t).Status)
}

func TestRingTimeout_FinalizesAsMissed(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.bothOnline()
	f.friendly()

	f.request("room-1")

	assert.Eventually(t, func() bool {
		return f.store.only(t).Status == domain.CallStatusMissed
	}, time.Second, 10*time.Millisecond)

	// The callee's ring is retracted with the timeout reason.
	calleeEvents := f.emitter.userEvents(f.calleeID)
	last := calleeEvents[len(calleeEvents)-1]
	assert.Equal(t, event.OutCallEnded, last.Type)
	assert.Equal(t, domain.EndReasonTimeout, last.Data.(event.CallEnded).Reason)
}

func TestRingTimeout_DoesNotFireAfterAccept(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.bothOnline()
	f.friendly()
	ctx := context.Background()

	f.request("room-1")
	record := f.store.only(t)
	f.service.Accept(ctx, f.calleeID, "conn-callee", &event.CallAnswer{RoomID: "room-1", RecordID: record.RecordID})

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, domain.CallStatusPending, f.store.only(t).Status)
}

func TestHandleDisconnect_CancelsCallAndNotifiesPeer(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()
	f.friendly()

	f.request("room-1")

	f.service.HandleDisconnect(context.Background(), "conn-caller")

	assert.Equal(t, domain.CallStatusCancelled, f.store.only(t).Status)

	calleeEvents := f.emitter.userEvents(f.calleeID)
	last := calleeEvents[len(calleeEvents)-1]
	assert.Equal(t, event.OutCallEnded, last.Type)
	assert.Equal(t, domain.EndReasonCancelled, last.Data.(event.CallEnded).Reason)
}

func TestRelay_BuffersICEUntilDescriptionRelayed(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()

	candidateA := json.RawMessage(`{"candidate":"a"}`)
	candidateB := json.RawMessage(`{"candidate":"b"}`)

	// ICE ahead of the offer is held, not delivered.
	f.service.RelayCandidate(f.callerID, &event.RTCSignal{RoomID: "room-1", TargetUserID: f.calleeID, Candidate: candidateA})
	f.service.RelayCandidate(f.callerID, &event.RTCSignal{RoomID: "room-1", TargetUserID: f.calleeID, Candidate: candidateB})
	assert.Empty(t, f.emitter.userEvents(f.calleeID))

	f.service.RelayDescription(f.callerID, &event.RTCSignal{RoomID: "room-1", TargetUserID: f.calleeID, SDP: json.RawMessage(`{"type":"offer"}`)}, event.OutRTCOffer)

	calleeEvents := f.emitter.userEvents(f.calleeID)
	assert.Len(t, calleeEvents, 3)
	assert.Equal(t, event.OutRTCOffer, calleeEvents[0].Type)
	assert.Equal(t, event.OutRTCIce, calleeEvents[1].Type)
	assert.Equal(t, candidateA, calleeEvents[1].Data.(event.RTCSignalReceived).Candidate)
	assert.Equal(t, candidateB, calleeEvents[2].Data.(event.RTCSignalReceived).Candidate)

	// Candidates after release flow straight through.
	f.service.RelayCandidate(f.callerID, &event.RTCSignal{RoomID: "room-1", TargetUserID: f.calleeID, Candidate: candidateA})
	assert.Len(t, f.emitter.userEvents(f.calleeID), 4)
}

func TestRelay_DropsForOfflineTarget(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.registry.Register(f.callerID, "conn-caller")

	f.service.RelayDescription(f.callerID, &event.RTCSignal{RoomID: "room-1", TargetUserID: f.calleeID, SDP: json.RawMessage(`{}`)}, event.OutRTCOffer)
	f.service.RelayCandidate(f.callerID, &event.RTCSignal{RoomID: "room-1", TargetUserID: f.calleeID, Candidate: json.RawMessage(`{}`)})

	assert.Empty(t, f.emitter.userEvents(f.calleeID))
}

func TestRequest_DuplicateRoomRejected(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.bothOnline()
	f.friendly()

	f.request("room-1")
	f.request("room-1")

	callerEvents := f.emitter.connEvents("conn-caller")
	codes := make([]string, 0)
	for _, ev := range callerEvents {
		if ev.Type == event.OutError {
			codes = append(codes, ev.Data.(event.ErrorPayload).Code)
		}
	}
	sort.Strings(codes)
	assert.Equal(t, []string{"INVALID_ROOM"}, codes)

	// The rejected attempt must not book a second record; only the
	// live call's pending record exists.
	record := f.store.only(t)
	assert.Equal(t, domain.CallStatusPending, record.Status)
	assert.Equal(t, "room-1", record.RoomID)
}
