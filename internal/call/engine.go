// Package call runs the signaling state machine for voice/video calls
// between matched users. It relays SDP offers/answers and ICE candidates
// opaquely between the two legs; media itself flows peer-to-peer and never
// touches this process.
package call

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("call")

var (
	// ErrNotFound rejects operations on unknown (or already expired) calls.
	ErrNotFound = errors.New("call not found")

	// ErrNotParticipant rejects signaling from users outside the call.
	ErrNotParticipant = errors.New("user is not a call participant")
)

// Signal types relayed between legs.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Sender delivers an event to every live connection of a user, returning how
// many accepted it. The registry satisfies this.
type Sender interface {
	Send(userID string, ev wire.Event) int
}

// Options tunes the engine. OnUpdate, when set, observes every state change
// (used to mirror call metadata into the presence store and for metrics).
// NotifyOffline, when set, is fired when an incoming-call frame reaches zero
// live connections, so the callee's devices can be woken by push.
type Options struct {
	RingTimeout   time.Duration
	Retention     time.Duration
	OnUpdate      func(Info)
	NotifyOffline func(calleeID string, info Info)
}

type Engine struct {
	send          Sender
	ringTimeout   time.Duration
	retention     time.Duration
	onUpdate      func(Info)
	notifyOffline func(string, Info)

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewEngine(send Sender, opts Options) *Engine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	return &Engine{
		send:          send,
		ringTimeout:   opts.RingTimeout,
		retention:     opts.Retention,
		onUpdate:      opts.OnUpdate,
		notifyOffline: opts.NotifyOffline,
		sessions:      make(map[string]*session),
	}
}

func (e *Engine) get(callID string) (*session, bool) {
	e.mu.RLock()
	s, ok := e.sessions[callID]
	e.mu.RUnlock()
	return s, ok
}

// Initiate creates a call session, rings the callee and arms the ring
// timeout. The returned snapshot is in the ringing state.
func (e *Engine) Initiate(conversationID, callerID, calleeID string, media Media) (Info, error) {
	if !media.Valid() {
		return Info{}, errors.New("unknown media type")
	}
	if callerID == calleeID {
		return Info{}, errors.New("caller and callee must differ")
	}

	s := &session{
		id:             uuid.NewString(),
		conversationID: conversationID,
		callerID:       callerID,
		calleeID:       calleeID,
		media:          media,
		status:         StatusInitiating,
		createdAt:      time.Now(),
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	// The call must be ringing before the callee hears about it, so an
	// answer sent the instant the frame arrives is already valid.
	s.mu.Lock()
	s.status = StatusRinging
	s.ring = time.AfterFunc(e.ringTimeout, func() { e.ringExpired(s.id) })
	info := s.infoLocked()
	s.mu.Unlock()
	e.update(info)

	delivered := e.send.Send(calleeID, wire.Event{Type: wire.EventCallIncoming, Data: wire.CallIncomingEvent{
		CallID:         s.id,
		ConversationID: conversationID,
		CallerID:       callerID,
		Media:          string(media),
	}})

	log.Infow("call initiated", "call", s.id, "caller", callerID, "callee", calleeID, "media", media)
	if delivered == 0 && e.notifyOffline != nil {
		e.notifyOffline(calleeID, info)
	}
	return info, nil
}

// Answer accepts or rejects a ringing call. Only the callee may answer, and
// only while the call is ringing; anything else is an error and mutates
// nothing.
func (e *Engine) Answer(callID, userID string, accept bool) (Info, error) {
	s, ok := e.get(callID)
	if !ok {
		return Info{}, ErrNotFound
	}

	s.mu.Lock()
	if s.status != StatusRinging {
		st := s.status
		s.mu.Unlock()
		return Info{}, &InvalidStateError{CallID: callID, Status: st, Op: "answer"}
	}
	if userID != s.calleeID {
		s.mu.Unlock()
		return Info{}, ErrNotParticipant
	}

	// Cancel before any further state read; a timer that already fired
	// re-checks the status under this mutex and backs off.
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}

	if accept {
		s.status = StatusConnecting
		s.answeredAt = time.Now()
	} else {
		s.status = StatusRejected
		s.endedAt = time.Now()
		s.endReason = ReasonRejected
	}
	info := s.infoLocked()
	s.mu.Unlock()

	ev := wire.Event{Type: wire.EventCallAnswer, Data: wire.CallAnswerEvent{CallID: callID, Accepted: accept}}
	e.send.Send(s.callerID, ev)
	// The callee's other devices stop ringing too.
	e.send.Send(s.calleeID, ev)

	log.Infow("call answered", "call", callID, "accepted", accept)
	if info.Status.Terminal() {
		e.scheduleDrop(callID)
	}
	e.update(info)
	return info, nil
}

// RelaySignal forwards one signaling payload to the other leg. Offers move
// the call to connecting, answers to active; ICE candidates are buffered per
// leg for late joiners. The payload itself is never inspected.
func (e *Engine) RelaySignal(callID, fromUser, signalType string, payload json.RawMessage) error {
	s, ok := e.get(callID)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	if !s.participant(fromUser) {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if s.status.Terminal() {
		st := s.status
		s.mu.Unlock()
		return &InvalidStateError{CallID: callID, Status: st, Op: "signal"}
	}

	changed := false
	switch signalType {
	case SignalCandidate:
		s.bufferCandidateLocked(fromUser, payload)
	case SignalOffer:
		if s.status != StatusActive && s.status != StatusConnecting {
			s.status = StatusConnecting
			changed = true
		}
	case SignalAnswer:
		if s.status == StatusConnecting {
			s.status = StatusActive
			changed = true
		}
	}
	toUser := s.otherLeg(fromUser)
	info := s.infoLocked()
	s.mu.Unlock()

	e.send.Send(toUser, wire.Event{Type: wire.EventCallSignal, Data: wire.CallSignalEvent{
		CallID:     callID,
		FromUserID: fromUser,
		SignalType: signalType,
		Payload:    payload,
	}})

	if changed {
		log.Debugw("call state advanced", "call", callID, "status", info.Status, "signal", signalType)
		e.update(info)
	}
	return nil
}

// PeerCandidates returns the ICE candidates buffered from the *other* leg,
// so a reconnecting participant can catch up on what was exchanged.
func (e *Engine) PeerCandidates(callID, userID string) ([]json.RawMessage, error) {
	s, ok := e.get(callID)
	if !ok {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.participant(userID) {
		return nil, ErrNotParticipant
	}
	var src []json.RawMessage
	if userID == s.callerID {
		src = s.calleeCandidates
	} else {
		src = s.callerCandidates
	}
	out := make([]json.RawMessage, len(src))
	copy(out, src)
	return out, nil
}

// End hangs up from connecting or active. Either participant may end;
// the other leg is notified once with the reason and duration.
func (e *Engine) End(callID, userID string, reason EndReason) (Info, error) {
	s, ok := e.get(callID)
	if !ok {
		return Info{}, ErrNotFound
	}
	if reason == "" {
		reason = ReasonHangup
	}

	s.mu.Lock()
	if !s.participant(userID) {
		s.mu.Unlock()
		return Info{}, ErrNotParticipant
	}
	if s.status != StatusConnecting && s.status != StatusActive {
		st := s.status
		s.mu.Unlock()
		return Info{}, &InvalidStateError{CallID: callID, Status: st, Op: "end"}
	}
	s.status = StatusEnded
	s.endedAt = time.Now()
	s.endReason = reason
	info := s.infoLocked()
	other := s.otherLeg(userID)
	s.mu.Unlock()

	ended := wire.Event{Type: wire.EventCallEnded, Data: wire.CallEndedEvent{
		CallID:      callID,
		EndedBy:     userID,
		Reason:      string(reason),
		DurationSec: info.DurationSec,
	}}
	e.send.Send(other, ended)
	// The ender's other devices close their call UI as well.
	e.send.Send(userID, ended)

	log.Infow("call ended", "call", callID, "by", userID, "reason", reason, "duration_sec", info.DurationSec)
	e.scheduleDrop(callID)
	e.update(info)
	return info, nil
}

// Status returns a snapshot of the call.
func (e *Engine) Status(callID string) (Info, error) {
	s, ok := e.get(callID)
	if !ok {
		return Info{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// ringExpired fires when nobody answered in time. If an Answer won the race
// the status is no longer ringing and this is a no-op.
func (e *Engine) ringExpired(callID string) {
	s, ok := e.get(callID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.status != StatusRinging {
		s.mu.Unlock()
		return
	}
	s.status = StatusMissed
	s.endedAt = time.Now()
	s.endReason = ReasonTimeout
	s.ring = nil
	info := s.infoLocked()
	s.mu.Unlock()

	missed := wire.Event{Type: wire.EventCallMissed, Data: wire.CallMissedEvent{
		CallID:         callID,
		ConversationID: info.ConversationID,
	}}
	e.send.Send(s.callerID, missed)
	e.send.Send(s.calleeID, missed)

	log.Infow("call missed", "call", callID, "caller", s.callerID, "callee", s.calleeID)
	e.scheduleDrop(callID)
	e.update(info)
}

// scheduleDrop removes a terminal session after the retention window so
// Status keeps answering briefly after teardown.
func (e *Engine) scheduleDrop(callID string) {
	time.AfterFunc(e.retention, func() {
		e.mu.Lock()
		delete(e.sessions, callID)
		e.mu.Unlock()
	})
}

func (e *Engine) update(info Info) {
	if e.onUpdate != nil {
		e.onUpdate(info)
	}
}

// Close stops all ring timers. In-flight calls are abandoned; clients
// re-initiate after reconnecting.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.mu.Lock()
		if s.ring != nil {
			s.ring.Stop()
			s.ring = nil
		}
		s.mu.Unlock()
	}
}
