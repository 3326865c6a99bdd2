package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/registry"
	"meshtalk-backend/pkg/constants"
	"meshtalk-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

// Mocks
type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Save(ctx context.Context, message *domain.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
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

type MockGroupDirectory struct {
	mock.Mock
}

func (m *MockGroupDirectory) IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

// recordingEmitter captures emitted events in order.
type recordingEmitter struct {
	mu     sync.Mutex
	toConn map[string][]event.Event
	toUser map[uuid.UUID][]event.Event
	toRoom []roomEmit
}

type roomEmit struct {
	roomID string
	except uuid.UUID
	ev     event.Event
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		toConn: make(map[string][]event.Event),
		toUser: make(map[uuid.UUID][]event.Event),
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

func (e *recordingEmitter) ToRoomExcept(roomID string, exceptUserID uuid.UUID, ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toRoom = append(e.toRoom, roomEmit{roomID, exceptUserID, ev})
}

// newTestService wires a service whose group roster admits everyone;
// membership denial cases build their own directory mock.
func newTestService(store *MockMessageStore, users *MockUserDirectory, emitter *recordingEmitter) (*Service, *registry.Registry) {
	reg := registry.New()
	groups := new(MockGroupDirectory)
	groups.On("IsMember", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Maybe()
	return NewService(reg, store, users, groups, emitter), reg
}

func TestSend_DirectToOnlineRecipient(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()
	service, reg := newTestService(store, users, emitter)

	senderID := uuid.New()
	recipientID := uuid.New()
	reg.Register(recipientID, "conn-recipient")

	store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Message")).Return(nil)
	users.On("GetPublicProfile", mock.Anything, senderID).Return(&domain.PublicProfile{UserID: senderID, DisplayName: "alice"}, nil)

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		RecipientID:  &recipientID,
		Content:      "hello",
		MessageType:  domain.MessageTypeText,
		ClientTempID: "tmp-1",
	})

	store.AssertNumberOfCalls(t, "Save", 1)

	// Recipient gets the message without the optimistic-UI token.
	recipientEvents := emitter.toUser[recipientID]
	assert.Len(t, recipientEvents, 1)
	assert.Equal(t, event.OutMessageNew, recipientEvents[0].Type)
	delivered := recipientEvents[0].Data.(*domain.MessageResponse)
	assert.Equal(t, "hello", delivered.Content)
	assert.Empty(t, delivered.ClientTempID)
	assert.Equal(t, "alice", delivered.Sender.DisplayName)

	// Sender echo carries the token.
	senderEvents := emitter.toUser[senderID]
	assert.Len(t, senderEvents, 1)
	echo := senderEvents[0].Data.(*domain.MessageResponse)
	assert.Equal(t, "tmp-1", echo.ClientTempID)
	assert.Equal(t, delivered.MessageID, echo.MessageID)
}

func TestSend_OfflineRecipientStillPersistsAndEchoes(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()
	service, _ := newTestService(store, users, emitter)

	senderID := uuid.New()
	recipientID := uuid.New()

	store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Message")).Return(nil)
	users.On("GetPublicProfile", mock.Anything, senderID).Return(&domain.PublicProfile{UserID: senderID}, nil)

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		RecipientID: &recipientID,
		Content:     "hello",
		MessageType: domain.MessageTypeText,
	})

	store.AssertNumberOfCalls(t, "Save", 1)
	assert.Empty(t, emitter.toUser[recipientID])
	assert.Len(t, emitter.toUser[senderID], 1)
}

func TestSend_GroupFansOutExceptSender(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()
	service, _ := newTestService(store, users, emitter)

	senderID := uuid.New()
	groupID := uuid.New()

	store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Message")).Return(nil)
	users.On("GetPublicProfile", mock.Anything, senderID).Return(&domain.PublicProfile{UserID: senderID}, nil)

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		GroupID:     &groupID,
		Content:     "hello group",
		MessageType: domain.MessageTypeText,
	})

	assert.Len(t, emitter.toRoom, 1)
	assert.Equal(t, GroupRoom(groupID), emitter.toRoom[0].roomID)
	assert.Equal(t, senderID, emitter.toRoom[0].except)
	assert.Equal(t, event.OutMessageNew, emitter.toRoom[0].ev.Type)

	// Sender still gets the echo through its own room.
	assert.Len(t, emitter.toUser[senderID], 1)
}

func TestSend_GroupNonMemberRejected(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()

	senderID := uuid.New()
	groupID := uuid.New()

	groups := new(MockGroupDirectory)
	groups.On("IsMember", mock.Anything, groupID, senderID).Return(false, nil)
	service := NewService(registry.New(), store, users, groups, emitter)

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		GroupID:      &groupID,
		Content:      "hello group",
		MessageType:  domain.MessageTypeText,
		ClientTempID: "tmp-3",
	})

	// Nothing is persisted or fanned out; the sender is told why.
	store.AssertNotCalled(t, "Save")
	assert.Empty(t, emitter.toRoom)
	failEvents := emitter.toConn["conn-sender"]
	if assert.Len(t, failEvents, 1) {
		failed := failEvents[0].Data.(event.MessageFailed)
		assert.Equal(t, "FORBIDDEN", failed.Code)
		assert.Equal(t, "tmp-3", failed.ClientTempID)
	}
}

func TestSend_GroupMembershipLookupFailureRejected(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()

	senderID := uuid.New()
	groupID := uuid.New()

	groups := new(MockGroupDirectory)
	groups.On("IsMember", mock.Anything, groupID, senderID).Return(false, errors.New("db down"))
	service := NewService(registry.New(), store, users, groups, emitter)

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		GroupID:     &groupID,
		Content:     "hello group",
		MessageType: domain.MessageTypeText,
	})

	store.AssertNotCalled(t, "Save")
	failEvents := emitter.toConn["conn-sender"]
	if assert.Len(t, failEvents, 1) {
		assert.Equal(t, "PERSISTENCE_ERROR", failEvents[0].Data.(event.MessageFailed).Code)
	}
}

func TestSend_PersistFailureReportsNoDelivery(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()
	service, reg := newTestService(store, users, emitter)

	senderID := uuid.New()
	recipientID := uuid.New()
	reg.Register(recipientID, "conn-recipient")

	store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Message")).Return(errors.New("cassandra down"))

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		RecipientID:  &recipientID,
		Content:      "hello",
		MessageType:  domain.MessageTypeText,
		ClientTempID: "tmp-9",
	})

	// No copy reaches anyone; the sender is told which send failed.
	assert.Empty(t, emitter.toUser[recipientID])
	assert.Empty(t, emitter.toUser[senderID])

	failEvents := emitter.toConn["conn-sender"]
	assert.Len(t, failEvents, 1)
	assert.Equal(t, event.OutMessageFailed, failEvents[0].Type)
	failed := failEvents[0].Data.(event.MessageFailed)
	assert.Equal(t, "tmp-9", failed.ClientTempID)
}

func TestSend_ValidationRejects(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)

	senderID := uuid.New()
	recipientID := uuid.New()
	groupID := uuid.New()

	cases := []struct {
		name string
		in   *event.MessageSend
	}{
		{"empty content", &event.MessageSend{RecipientID: &recipientID, MessageType: domain.MessageTypeText}},
		{"whitespace-only content", &event.MessageSend{RecipientID: &recipientID, Content: " \t\n ", MessageType: domain.MessageTypeText}},
		{"over-length content", &event.MessageSend{RecipientID: &recipientID, Content: strings.Repeat("a", constants.MaxMessageLength+1), MessageType: domain.MessageTypeText}},
		{"bad type", &event.MessageSend{RecipientID: &recipientID, Content: "x", MessageType: "gif"}},
		{"no target", &event.MessageSend{Content: "x", MessageType: domain.MessageTypeText}},
		{"both targets", &event.MessageSend{RecipientID: &recipientID, GroupID: &groupID, Content: "x", MessageType: domain.MessageTypeText}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			emitter := newRecordingEmitter()
			service, _ := newTestService(store, users, emitter)

			service.Send(context.Background(), senderID, "conn-sender", tc.in)

			failEvents := emitter.toConn["conn-sender"]
			assert.Len(t, failEvents, 1)
			assert.Equal(t, event.OutMessageFailed, failEvents[0].Type)
		})
	}

	store.AssertNotCalled(t, "Save")
}

func TestSend_ProfileLookupFailureStillDelivers(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()
	service, reg := newTestService(store, users, emitter)

	senderID := uuid.New()
	recipientID := uuid.New()
	reg.Register(recipientID, "conn-recipient")

	store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Message")).Return(nil)
	users.On("GetPublicProfile", mock.Anything, senderID).Return(nil, errors.New("db down"))

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		RecipientID: &recipientID,
		Content:     "hello",
		MessageType: domain.MessageTypeText,
	})

	recipientEvents := emitter.toUser[recipientID]
	assert.Len(t, recipientEvents, 1)
	delivered := recipientEvents[0].Data.(*domain.MessageResponse)
	assert.Nil(t, delivered.Sender)
}

func TestSend_StripsControlCharactersFromContent(t *testing.T) {
	store := new(MockMessageStore)
	users := new(MockUserDirectory)
	emitter := newRecordingEmitter()
	service, reg := newTestService(store, users, emitter)

	senderID := uuid.New()
	recipientID := uuid.New()
	reg.Register(recipientID, "conn-recipient")

	var saved *domain.Message
	store.On("Save", mock.Anything, mock.AnythingOfType("*domain.Message")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*domain.Message) }).
		Return(nil)
	users.On("GetPublicProfile", mock.Anything, senderID).Return(&domain.PublicProfile{UserID: senderID}, nil)

	service.Send(context.Background(), senderID, "conn-sender", &event.MessageSend{
		RecipientID: &recipientID,
		Content:     "  hi\x00 there\nline two\x07  ",
		MessageType: domain.MessageTypeText,
	})

	if assert.NotNil(t, saved) {
		assert.Equal(t, "hi there\nline two", saved.Content)
	}
}
