package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

type BaseFixture struct {
	ctx      context.Context
	db       *SQLiteDB
	t        *testing.T
	logger   *slog.Logger
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {

	ctx, cancel := context.WithCancel(context.Background())

	// every test gets its own named in-memory database
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := NewSQLiteDB(name, "../migrations/sqlite", &SQLiteDBOption{Mode: "memory", Cache: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	// a shared-cache memory database disappears with its last connection
	db.SetMaxOpenConns(1)

	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx:    ctx,
		db:     db,
		t:      t,
		logger: newTestLogger(),
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CoreFixture wires the real-time components over an in-memory store.
type CoreFixture struct {
	*BaseFixture
	store       *SQLiteConversationStore
	faults      *faultyStore
	presence    *Presence
	rooms       *Multiplexer
	notifier    *Notifier
	dispatcher  *Dispatcher
	coordinator *Coordinator
	nextID      atomic.Int64
}

func NewCoreFixture(t *testing.T, opts ...CoordinatorOption) *CoreFixture {
	base := NewBaseFixture(t)
	f := &CoreFixture{
		BaseFixture: base,
		store:       NewSQLiteConversationStore(base.db.DB),
		presence:    NewPresence(),
		rooms:       NewMultiplexer(base.logger),
	}
	// the components go through faults so tests can make the store fail or stall
	f.faults = newFaultyStore(f.store)
	f.notifier = NewNotifier(f.faults, f.presence, f.rooms, base.logger)
	f.dispatcher = NewDispatcher(f.faults, f.presence, f.rooms, f.notifier, base.logger)
	f.coordinator = NewCoordinator(f.faults, f.presence, f.rooms, f.notifier, base.logger, opts...)
	tearDown := base.tearDown
	f.tearDown = func() {
		f.coordinator.Close()
		tearDown()
	}
	return f
}

// connect simulates an authenticated connection of userID.
func (f *CoreFixture) connect(userID string) *mockHandle {
	h := newMockHandle(fmt.Sprintf("%s-%d", userID, f.nextID.Add(1)), userID)
	f.presence.Register(userID, h)
	require.NoError(f.t, f.rooms.Join(UserRoom(userID), h))
	return h
}

func (f *CoreFixture) disconnect(h *mockHandle) {
	h.Close()
	f.presence.Unregister(h.UserID(), h)
	f.rooms.DropHandle(h)
}

func (f *CoreFixture) seedConversation(participants ...string) int64 {
	id, err := f.store.CreateConversation(f.ctx, participants...)
	require.NoError(f.t, err)
	return id
}

// mockHandle records every event sent to it.
type mockHandle struct {
	id       string
	userID   string
	mu       sync.Mutex
	events   []*Event
	closed   atomic.Bool
	failSend atomic.Bool
}

func newMockHandle(id, userID string) *mockHandle {
	return &mockHandle{id: id, userID: userID}
}

func (h *mockHandle) ID() string     { return h.id }
func (h *mockHandle) UserID() string { return h.userID }

func (h *mockHandle) Send(e *Event) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	if h.failSend.Load() {
		return ErrDeliveryFailure
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *mockHandle) Close()       { h.closed.Store(true) }
func (h *mockHandle) Closed() bool { return h.closed.Load() }

func (h *mockHandle) Events() []*Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Event(nil), h.events...)
}

func (h *mockHandle) Types() []string {
	var types []string
	for _, e := range h.Events() {
		types = append(types, e.Type)
	}
	return types
}

func (h *mockHandle) EventsOf(t string) []*Event {
	var events []*Event
	for _, e := range h.Events() {
		if e.Type == t {
			events = append(events, e)
		}
	}
	return events
}

func (h *mockHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

// lastPayload decodes the payload of the most recent event of type t into v.
func lastPayload(t *testing.T, h *mockHandle, eventType string, v any) {
	t.Helper()
	events := h.EventsOf(eventType)
	require.NotEmptyf(t, events, "%s received no %s event, got %v", h.ID(), eventType, h.Types())
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, v))
}

func waitForEvent(t *testing.T, h *mockHandle, eventType string) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return len(h.EventsOf(eventType)) > 0
	}, baseTimeout, baseTimeout/20, "timeout waiting for %s to receive %s", h.ID(), eventType)
}

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}

func ptr[T any](v T) *T {
	return &v
}

// faultyStore passes through to a real store unless a method has been told to fail or stall.
type faultyStore struct {
	ConversationStore
	mu     sync.Mutex
	errs   map[string]error
	once   map[string]error
	stalls map[string]*stall
}

// stall holds the next call of a method until release is closed.
type stall struct {
	entered chan struct{}
	release chan struct{}
}

func newFaultyStore(store ConversationStore) *faultyStore {
	return &faultyStore{ConversationStore: store, errs: map[string]error{}, once: map[string]error{}, stalls: map[string]*stall{}}
}

// fail makes every call of method return err. A nil err heals the method.
func (s *faultyStore) fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, method)
		return
	}
	s.errs[method] = err
}

// failNext makes only the next call of method return err.
func (s *faultyStore) failNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once[method] = err
}

// stallNext blocks the next call of method until the returned stall is released.
func (s *faultyStore) stallNext(method string) *stall {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &stall{entered: make(chan struct{}), release: make(chan struct{})}
	s.stalls[method] = st
	return st
}

func (s *faultyStore) enter(method string) error {
	s.mu.Lock()
	st := s.stalls[method]
	delete(s.stalls, method)
	s.mu.Unlock()
	if st != nil {
		close(st.entered)
		<-st.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.once[method]; ok {
		delete(s.once, method)
		return err
	}
	return s.errs[method]
}

func (s *faultyStore) CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if err := s.enter("CreateMessage"); err != nil {
		return nil, err
	}
	return s.ConversationStore.CreateMessage(ctx, input)
}

func (s *faultyStore) TouchLastActivity(ctx context.Context, conversationID int64, at time.Time) error {
	if err := s.enter("TouchLastActivity"); err != nil {
		return err
	}
	return s.ConversationStore.TouchLastActivity(ctx, conversationID, at)
}

func (s *faultyStore) CreateCallSession(ctx context.Context, call CallSession) error {
	if err := s.enter("CreateCallSession"); err != nil {
		return err
	}
	return s.ConversationStore.CreateCallSession(ctx, call)
}

func (s *faultyStore) UpdateCallStatus(ctx context.Context, callID string, status CallStatus, startedAt, endedAt *time.Time) error {
	if err := s.enter("UpdateCallStatus"); err != nil {
		return err
	}
	return s.ConversationStore.UpdateCallStatus(ctx, callID, status, startedAt, endedAt)
}

func (s *faultyStore) CreateNotification(ctx context.Context, n Notification) error {
	if err := s.enter("CreateNotification"); err != nil {
		return err
	}
	return s.ConversationStore.CreateNotification(ctx, n)
}
