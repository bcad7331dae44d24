package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/velora-app/realtime/internal/wire"
)

// fakeSender records every event per user and reports configurable delivery
// counts.
type fakeSender struct {
	mu        sync.Mutex
	events    map[string][]wire.Event
	delivered map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		events:    map[string][]wire.Event{},
		delivered: map[string]int{},
	}
}

func (s *fakeSender) Send(userID string, ev wire.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[userID] = append(s.events[userID], ev)
	if n, ok := s.delivered[userID]; ok {
		return n
	}
	return 1
}

func (s *fakeSender) eventsFor(userID string) []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Event, len(s.events[userID]))
	copy(out, s.events[userID])
	return out
}

func (s *fakeSender) lastType(userID string) string {
	evs := s.eventsFor(userID)
	if len(evs) == 0 {
		return ""
	}
	return evs[len(evs)-1].Type
}

func TestCallLifecycleAnsweredAndEnded(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: time.Minute})

	info, err := e.Initiate("conv1", "alice", "bob", MediaVideo)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != StatusRinging {
		t.Fatalf("expected ringing after initiate, got %s", info.Status)
	}
	if send.lastType("bob") != wire.EventCallIncoming {
		t.Fatal("callee should have been rung")
	}

	info, err = e.Answer(info.CallID, "bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != StatusConnecting {
		t.Fatalf("expected connecting after accept, got %s", info.Status)
	}
	// Both legs hear the answer: caller proceeds, callee's other devices
	// stop ringing.
	if send.lastType("alice") != wire.EventCallAnswer || send.lastType("bob") != wire.EventCallAnswer {
		t.Fatal("both legs should receive the answer event")
	}

	// Offer keeps connecting, answer makes it active.
	if err := e.RelaySignal(info.CallID, "alice", SignalOffer, json.RawMessage(`{"sdp":"o"}`)); err != nil {
		t.Fatal(err)
	}
	if err := e.RelaySignal(info.CallID, "bob", SignalAnswer, json.RawMessage(`{"sdp":"a"}`)); err != nil {
		t.Fatal(err)
	}
	info, _ = e.Status(info.CallID)
	if info.Status != StatusActive {
		t.Fatalf("expected active after offer/answer, got %s", info.Status)
	}

	info, err = e.End(info.CallID, "alice", ReasonHangup)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != StatusEnded || info.EndReason != ReasonHangup {
		t.Fatalf("unexpected terminal state %+v", info)
	}
	if send.lastType("bob") != wire.EventCallEnded {
		t.Fatal("other leg should be told the call ended")
	}
}

// answeringSender answers the call synchronously from inside the delivery of
// the incoming frame, the fastest a real callee could possibly react.
type answeringSender struct {
	*fakeSender
	engine    *Engine
	once      sync.Once
	answerErr error
}

func (s *answeringSender) Send(userID string, ev wire.Event) int {
	if ev.Type == wire.EventCallIncoming {
		s.once.Do(func() {
			incoming := ev.Data.(wire.CallIncomingEvent)
			_, s.answerErr = s.engine.Answer(incoming.CallID, userID, true)
		})
	}
	return s.fakeSender.Send(userID, ev)
}

func TestInstantAnswerIsValid(t *testing.T) {
	send := &answeringSender{fakeSender: newFakeSender()}
	e := NewEngine(send, Options{RingTimeout: time.Minute})
	send.engine = e

	info, err := e.Initiate("conv1", "alice", "bob", MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	if send.answerErr != nil {
		t.Fatalf("answering the moment the incoming frame arrives must succeed: %v", send.answerErr)
	}
	info, _ = e.Status(info.CallID)
	if info.Status != StatusConnecting {
		t.Fatalf("expected connecting after the instant answer, got %s", info.Status)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: time.Minute})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaAudio)
	info, err := e.Answer(info.CallID, "bob", false)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", info.Status)
	}

	// No operation is valid on a rejected call.
	var invalid *InvalidStateError
	if _, err := e.Answer(info.CallID, "bob", true); !errors.As(err, &invalid) {
		t.Fatalf("answering a rejected call should fail with InvalidStateError, got %v", err)
	}
	if err := e.RelaySignal(info.CallID, "alice", SignalOffer, nil); !errors.As(err, &invalid) {
		t.Fatalf("signaling a rejected call should fail, got %v", err)
	}
	if _, err := e.End(info.CallID, "alice", ReasonHangup); !errors.As(err, &invalid) {
		t.Fatalf("ending a rejected call should fail, got %v", err)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: 30 * time.Millisecond})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaAudio)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		info, _ = e.Status(info.CallID)
		if info.Status == StatusMissed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if info.Status != StatusMissed || info.EndReason != ReasonTimeout {
		t.Fatalf("expected missed/timeout, got %s/%s", info.Status, info.EndReason)
	}

	// Both parties hear about it.
	if send.lastType("alice") != wire.EventCallMissed || send.lastType("bob") != wire.EventCallMissed {
		t.Fatal("both legs should receive the missed event")
	}

	// A late answer is rejected and changes nothing.
	var invalid *InvalidStateError
	if _, err := e.Answer(info.CallID, "bob", true); !errors.As(err, &invalid) {
		t.Fatalf("late answer should fail with InvalidStateError, got %v", err)
	}
}

func TestAnswerBeatsRingTimeout(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: 40 * time.Millisecond})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaVideo)
	if _, err := e.Answer(info.CallID, "bob", true); err != nil {
		t.Fatal(err)
	}

	// Let the original timer deadline pass; the call must stay answered.
	time.Sleep(100 * time.Millisecond)
	info, _ = e.Status(info.CallID)
	if info.Status != StatusConnecting {
		t.Fatalf("timer firing after answer must be a no-op, got %s", info.Status)
	}
}

func TestOnlyCalleeMayAnswer(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: time.Minute})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaAudio)
	if _, err := e.Answer(info.CallID, "alice", true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("caller answering own call should fail, got %v", err)
	}
	if _, err := e.Answer(info.CallID, "mallory", true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider answering should fail, got %v", err)
	}
}

func TestSignalRejectsOutsiders(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: time.Minute})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaAudio)
	if err := e.RelaySignal(info.CallID, "mallory", SignalOffer, nil); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider signaling should fail, got %v", err)
	}
	if err := e.RelaySignal("no-such-call", "alice", SignalOffer, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown call should fail with ErrNotFound, got %v", err)
	}
}

func TestCandidateBufferingPerLeg(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: time.Minute})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaVideo)
	e.Answer(info.CallID, "bob", true)

	e.RelaySignal(info.CallID, "alice", SignalCandidate, json.RawMessage(`{"c":1}`))
	e.RelaySignal(info.CallID, "alice", SignalCandidate, json.RawMessage(`{"c":2}`))
	e.RelaySignal(info.CallID, "bob", SignalCandidate, json.RawMessage(`{"c":3}`))

	// Each participant sees the other leg's buffer.
	fromAlice, err := e.PeerCandidates(info.CallID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(fromAlice) != 2 {
		t.Fatalf("bob should see alice's 2 candidates, got %d", len(fromAlice))
	}
	fromBob, _ := e.PeerCandidates(info.CallID, "alice")
	if len(fromBob) != 1 {
		t.Fatalf("alice should see bob's 1 candidate, got %d", len(fromBob))
	}

	// The relay itself reached the other leg too.
	var relayed int
	for _, ev := range send.eventsFor("bob") {
		if ev.Type == wire.EventCallSignal {
			relayed++
		}
	}
	if relayed != 2 {
		t.Fatalf("bob should have received 2 relayed signals, got %d", relayed)
	}
}

func TestDurationStampsFromAnswerToEnd(t *testing.T) {
	send := newFakeSender()
	e := NewEngine(send, Options{RingTimeout: time.Minute})

	info, _ := e.Initiate("conv1", "alice", "bob", MediaAudio)
	e.Answer(info.CallID, "bob", true)
	info, err := e.End(info.CallID, "bob", ReasonHangup)
	if err != nil {
		t.Fatal(err)
	}
	if info.AnsweredAt.IsZero() || info.EndedAt.IsZero() {
		t.Fatal("answered/ended timestamps should be stamped")
	}
	if info.DurationSec < 0 {
		t.Fatalf("duration must be non-negative, got %d", info.DurationSec)
	}
}

func TestNotifyOfflineFiresWhenCalleeUnreachable(t *testing.T) {
	send := newFakeSender()
	send.delivered["bob"] = 0

	var mu sync.Mutex
	var notified []string
	e := NewEngine(send, Options{
		RingTimeout: time.Minute,
		NotifyOffline: func(calleeID string, info Info) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, calleeID)
		},
	})

	e.Initiate("conv1", "alice", "bob", MediaAudio)

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "bob" {
		t.Fatalf("expected one offline notification for bob, got %v", notified)
	}
}
