package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type CallReceivedPayload struct {
	ID      string   `json:"id"`
	Caller  string   `json:"caller"`
	Callee  string   `json:"callee"`
	Type    string   `json:"type"`
	Status  string   `json:"status"`
	Kind    CallKind `json:"kind"`
	IsVideo bool     `json:"isVideo"`
}

type CallInitiatedPayload struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

type CallPayload struct {
	CallID string `json:"callId"`
}

type OfferPayload struct {
	Offer  *webrtc.SessionDescription `json:"offer"`
	CallID string                     `json:"callId"`
}

type AnswerPayload struct {
	Answer *webrtc.SessionDescription `json:"answer"`
	CallID string                     `json:"callId"`
}

type ICECandidatePayload struct {
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
	CallID    string                   `json:"callId"`
}

type StartCallInput struct {
	CalleeID string                     `validate:"required"`
	CallID   string                     `validate:"required,max=128"`
	Kind     CallKind                   `validate:"required,oneof=audio video"`
	Offer    *webrtc.SessionDescription `validate:"-"`
}

const (
	DefaultRingTimeout   = 45 * time.Second
	DefaultCallRetention = time.Minute
)

type trackedCall struct {
	// turn is held while a change to the call is persisted, so changes to one call
	// are applied one after another. Readers only need mu.
	turn chan struct{}

	mu      sync.Mutex
	session CallSession
	// pending is set until the session has been stored.
	pending bool
	// removed is set when a failed start has been rolled back.
	removed bool
	timer   *time.Timer
}

func newTrackedCall(session CallSession) *trackedCall {
	return &trackedCall{turn: make(chan struct{}, 1), session: session, pending: true}
}

// acquire waits for the turn of the call or for ctx to be done.
func (c *trackedCall) acquire(ctx context.Context) error {
	select {
	case c.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *trackedCall) release() {
	<-c.turn
}

// snapshot returns the session and whether it is visible to lookups.
func (c *trackedCall) snapshot() (CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, !c.pending && !c.removed
}

// Coordinator tracks call sessions by their client-generated id and relays
// signaling between the two parties of each call.
type Coordinator struct {
	calls    *SyncMap[string, *trackedCall]
	store    ConversationStore
	presence *Presence
	rooms    *Multiplexer
	notifier *Notifier
	logger   *slog.Logger

	ringTimeout time.Duration
	retention   time.Duration
	now         func() time.Time
}

type CoordinatorOption func(*Coordinator)

// WithRingTimeout sets how long a call may ring before it is marked missed. Zero disables the timeout.
func WithRingTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.ringTimeout = d
	}
}

// WithCallRetention sets how long terminal sessions are remembered before eviction.
func WithCallRetention(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.retention = d
	}
}

func NewCoordinator(store ConversationStore, presence *Presence, rooms *Multiplexer, notifier *Notifier, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		calls:       NewSyncMap[string, *trackedCall](),
		store:       store,
		presence:    presence,
		rooms:       rooms,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "calls")),
		ringTimeout: DefaultRingTimeout,
		retention:   DefaultCallRetention,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a copy of the tracked session for callID.
func (co *Coordinator) Session(callID string) (CallSession, bool) {
	c, ok := co.calls.Load(callID)
	if !ok {
		return CallSession{}, false
	}
	return c.snapshot()
}

// StartCall creates a ringing session, rings the callee if online and acknowledges the caller.
// Distinct call ids between the same two users are independent sessions; reusing an id that
// is still tracked fails with ErrCallExists.
func (co *Coordinator) StartCall(ctx context.Context, caller Handle, in StartCallInput) (*CallSession, error) {
	if err := validate.Struct(in); err != nil {
		return nil, errors.Join(NewInsensitiveError("invalid call"), err)
	}
	callerID := caller.UserID()
	if in.CalleeID == callerID {
		return nil, NewInsensitiveError("cannot call yourself")
	}
	if in.Offer != nil {
		if err := ValidateDescription(in.Offer, webrtc.SDPTypeOffer); err != nil {
			return nil, err
		}
	}

	c := newTrackedCall(CallSession{
		ID:        in.CallID,
		CallerID:  callerID,
		CalleeID:  in.CalleeID,
		Kind:      in.Kind,
		Status:    CallRinging,
		CreatedAt: co.now(),
	})
	// the new call is invisible to lookups until it is stored
	c.turn <- struct{}{}
	if err := co.track(ctx, c); err != nil {
		return nil, err
	}

	if err := co.store.CreateCallSession(ctx, c.session); err != nil {
		c.mu.Lock()
		c.removed = true
		c.mu.Unlock()
		co.calls.CompareAndDelete(in.CallID, func(current *trackedCall) bool { return current == c })
		c.release()
		return nil, fmt.Errorf("CreateCallSession: %w", err)
	}

	c.mu.Lock()
	c.pending = false
	if co.ringTimeout > 0 {
		c.timer = time.AfterFunc(co.ringTimeout, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := co.MarkMissed(ctx, in.CallID); err != nil {
				co.logger.Error("marking call missed", slog.String("call", in.CallID), slog.Any("error", err))
			}
		})
	}
	session := c.session
	c.mu.Unlock()
	c.release()

	co.logger.Info("call started", slog.String("call", session.ID),
		slog.String("caller", session.CallerID), slog.String("callee", session.CalleeID))

	if co.presence.IsOnline(session.CalleeID) {
		co.push(session.CalleeID, CallReceivedEvent, CallReceivedPayload{
			ID:      session.ID,
			Caller:  session.CallerID,
			Callee:  session.CalleeID,
			Type:    "incoming",
			Status:  "ringing",
			Kind:    session.Kind,
			IsVideo: session.Kind == VideoCall,
		})
		if in.Offer != nil {
			co.push(session.CalleeID, OfferEvent, OfferPayload{Offer: in.Offer, CallID: session.ID})
		}
	}

	co.reply(caller, CallInitiatedEvent, CallInitiatedPayload{CallID: session.ID, Status: "ringing"})
	return &session, nil
}

// track stores c under its call id. If another start for the same id is still being
// persisted, it waits for that start to settle: a rolled back start frees the id.
func (co *Coordinator) track(ctx context.Context, c *trackedCall) error {
	for {
		current := co.calls.LoadAndStore(c.session.ID, func(current *trackedCall, ok bool) *trackedCall {
			if ok {
				return current
			}
			return c
		})
		if current == c {
			return nil
		}
		if err := current.acquire(ctx); err != nil {
			return err
		}
		current.release()
		current.mu.Lock()
		removed := current.removed
		current.mu.Unlock()
		if !removed {
			return ErrCallExists
		}
	}
}

// AnswerCall moves a ringing call answered by its callee to ongoing and tells the caller.
// Answering a call that is not ringing is a no-op.
func (co *Coordinator) AnswerCall(ctx context.Context, h Handle, callID string) error {
	session, ok, err := co.transition(ctx, callID, h.UserID(), CallOngoing, isCallee, CallRinging)
	if err != nil || !ok {
		return err
	}
	co.push(session.CallerID, CallAnsweredEvent, CallPayload{CallID: callID})
	return nil
}

// RejectCall moves a ringing call rejected by its callee to rejected and tells the caller.
func (co *Coordinator) RejectCall(ctx context.Context, h Handle, callID string) error {
	session, ok, err := co.transition(ctx, callID, h.UserID(), CallRejected, isCallee, CallRinging)
	if err != nil || !ok {
		return err
	}
	co.push(session.CallerID, CallRejectedEvent, CallPayload{CallID: callID})
	return nil
}

// EndCall ends a call on behalf of either party and tells the other one.
// A caller hanging up before the callee answers also ends the call.
func (co *Coordinator) EndCall(ctx context.Context, h Handle, callID string) error {
	return co.endCall(ctx, h.UserID(), callID)
}

func (co *Coordinator) endCall(ctx context.Context, userID, callID string) error {
	session, ok, err := co.transition(ctx, callID, userID, CallEnded, isParty, CallOngoing, CallRinging)
	if err != nil || !ok {
		return err
	}
	peer, _ := session.Peer(userID)
	co.push(peer, CallEndedEvent, CallPayload{CallID: callID})
	return nil
}

// MarkMissed moves a call that is still ringing to missed. Both parties are told and the
// callee receives a missed call notification.
func (co *Coordinator) MarkMissed(ctx context.Context, callID string) error {
	session, ok, err := co.transition(ctx, callID, "", CallMissed, anyone, CallRinging)
	if err != nil || !ok {
		return err
	}
	co.push(session.CallerID, CallMissedEvent, CallPayload{CallID: callID})
	co.push(session.CalleeID, CallMissedEvent, CallPayload{CallID: callID})
	if co.notifier != nil {
		co.notifier.Notify(ctx, session.CalleeID, MissedCallNotification{
			Title:    "Missed Call",
			Message:  fmt.Sprintf("Missed %s call", session.Kind),
			CallID:   callID,
			CallerID: session.CallerID,
			CallKind: session.Kind,
		})
	}
	return nil
}

// HangUp settles the unfinished calls of userID once the user has no live connection left.
// Ongoing calls and calls the user placed are ended; calls ringing for the user are missed.
func (co *Coordinator) HangUp(ctx context.Context, userID string) {
	if co.presence.IsOnline(userID) {
		return
	}
	for _, c := range co.calls.Values() {
		session, visible := c.snapshot()
		if !visible || session.Status.Terminal() {
			continue
		}
		if _, ok := session.Peer(userID); !ok {
			continue
		}
		var err error
		if session.Status == CallRinging && session.CalleeID == userID {
			err = co.MarkMissed(ctx, session.ID)
		} else {
			err = co.endCall(ctx, userID, session.ID)
		}
		if err != nil {
			co.logger.Error("hanging up call", slog.String("call", session.ID),
				slog.String("user", userID), slog.Any("error", err))
		}
	}
}

// RelayAnswer forwards an SDP answer from h to the other party without changing the call state.
func (co *Coordinator) RelayAnswer(h Handle, callID string, answer *webrtc.SessionDescription) error {
	if err := ValidateDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	peer, ok := co.relayTarget(callID, h.UserID())
	if !ok {
		return nil
	}
	co.push(peer, AnswerEvent, AnswerPayload{Answer: answer, CallID: callID})
	return nil
}

// RelayICECandidate forwards an ICE candidate from h to the other party.
func (co *Coordinator) RelayICECandidate(h Handle, callID string, candidate *webrtc.ICECandidateInit) error {
	if err := ValidateCandidate(candidate); err != nil {
		return err
	}
	peer, ok := co.relayTarget(callID, h.UserID())
	if !ok {
		return nil
	}
	co.push(peer, ICECandidateEvent, ICECandidatePayload{Candidate: candidate, CallID: callID})
	return nil
}

func (co *Coordinator) relayTarget(callID, userID string) (string, bool) {
	c, ok := co.calls.Load(callID)
	if !ok {
		co.logger.Debug("relay for unknown call", slog.String("call", callID), slog.String("user", userID))
		return "", false
	}
	session, visible := c.snapshot()
	if !visible {
		co.logger.Debug("relay for unknown call", slog.String("call", callID), slog.String("user", userID))
		return "", false
	}
	if session.Status.Terminal() {
		co.logger.Debug("relay for terminal call", slog.String("call", callID), slog.String("status", string(session.Status)))
		return "", false
	}
	peer, ok := session.Peer(userID)
	if !ok {
		co.logger.Warn("relay from non-party", slog.String("call", callID), slog.String("user", userID))
	}
	return peer, ok
}

type callPermission func(session *CallSession, userID string) bool

func isCallee(s *CallSession, userID string) bool { return s.CalleeID == userID }

func isParty(s *CallSession, userID string) bool {
	_, ok := s.Peer(userID)
	return ok
}

func anyone(*CallSession, string) bool { return true }

// transition applies a status change if the call is in one of from and userID is allowed to
// trigger it. The change is persisted before it becomes visible. Changes to the same call
// wait for each other, so a second event is checked against the outcome of the first.
// ok is false when the event was ignored.
func (co *Coordinator) transition(ctx context.Context, callID, userID string, to CallStatus, allowed callPermission, from ...CallStatus) (CallSession, bool, error) {
	c, found := co.calls.Load(callID)
	if found {
		c.mu.Lock()
		found = !c.pending
		c.mu.Unlock()
	}
	if !found {
		co.logger.Debug("event for unknown call", slog.String("call", callID),
			slog.String("user", userID), slog.String("to", string(to)), slog.Any("error", ErrUnknownCallSession))
		return CallSession{}, false, nil
	}
	if err := c.acquire(ctx); err != nil {
		return CallSession{}, false, fmt.Errorf("waiting for call %s: %w", callID, err)
	}
	defer c.release()

	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		co.logger.Debug("event for unknown call", slog.String("call", callID),
			slog.String("user", userID), slog.String("to", string(to)), slog.Any("error", ErrUnknownCallSession))
		return CallSession{}, false, nil
	}
	if !slices.Contains(from, c.session.Status) || !allowed(&c.session, userID) {
		status := c.session.Status
		c.mu.Unlock()
		co.logger.Debug("ignoring call event", slog.String("call", callID),
			slog.String("user", userID), slog.String("status", string(status)), slog.String("to", string(to)))
		return CallSession{}, false, nil
	}
	c.mu.Unlock()

	now := co.now()
	var startedAt, endedAt *time.Time
	if to == CallOngoing {
		startedAt = &now
	}
	if to.Terminal() {
		endedAt = &now
	}
	err := co.store.UpdateCallStatus(ctx, callID, to, startedAt, endedAt)

	c.mu.Lock()
	if err != nil {
		c.mu.Unlock()
		return CallSession{}, false, fmt.Errorf("UpdateCallStatus: %w", err)
	}
	c.session.Status = to
	if startedAt != nil {
		c.session.StartedAt = startedAt
	}
	if endedAt != nil {
		c.session.EndedAt = endedAt
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if to.Terminal() && co.retention > 0 {
		c.timer = time.AfterFunc(co.retention, func() {
			co.calls.CompareAndDelete(callID, func(current *trackedCall) bool { return current == c })
		})
	}
	session := c.session
	c.mu.Unlock()

	co.logger.Info("call transitioned", slog.String("call", callID), slog.String("status", string(to)))
	return session, true, nil
}

// Close stops every pending ring timeout and eviction timer.
func (co *Coordinator) Close() {
	co.calls.RRange(func(_ string, c *trackedCall) bool {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		return true
	})
}

func (co *Coordinator) push(userID, t string, payload any) {
	e, err := NewEvent(t, payload)
	if err != nil {
		co.logger.Error(err.Error())
		return
	}
	if !pushToUser(co.presence, co.rooms, userID, e) {
		co.logger.Debug("user unreachable", slog.String("user", userID), slog.String("event", t))
	}
}

func (co *Coordinator) reply(h Handle, t string, payload any) {
	e, err := NewEvent(t, payload)
	if err != nil {
		co.logger.Error(err.Error())
		return
	}
	if err := h.Send(e); err != nil {
		co.logger.Debug("reply failed", slog.String("event", t), slog.Any("error", err))
	}
}
