package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/velora-app/realtime/internal/wire"
)

type fakePresence struct {
	mu       sync.Mutex
	typing   map[string]map[string]bool
	unread   map[string]map[string]int64
	online   map[string]bool
	lastSeen map[string]time.Time
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		typing:   map[string]map[string]bool{},
		unread:   map[string]map[string]int64{},
		online:   map[string]bool{},
		lastSeen: map[string]time.Time{},
	}
}

func (p *fakePresence) SetTyping(_ context.Context, conversationID, userID string, typing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typing[conversationID] == nil {
		p.typing[conversationID] = map[string]bool{}
	}
	if typing {
		p.typing[conversationID][userID] = true
	} else {
		delete(p.typing[conversationID], userID)
	}
}

func (p *fakePresence) TypingUserIDs(_ context.Context, conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id := range p.typing[conversationID] {
		out = append(out, id)
	}
	return out
}

func (p *fakePresence) ClearUnread(_ context.Context, userID, conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unread[userID] != nil {
		delete(p.unread[userID], conversationID)
	}
}

func (p *fakePresence) ClearAllUnread(_ context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.unread, userID)
}

func (p *fakePresence) UnreadCounts(_ context.Context, userID string) map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]int64{}
	for conv, n := range p.unread[userID] {
		out[conv] = n
	}
	return out
}

func (p *fakePresence) BatchIsOnline(_ context.Context, userIDs []string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]bool{}
	for _, id := range userIDs {
		out[id] = p.online[id]
	}
	return out
}

func (p *fakePresence) BatchLastSeen(_ context.Context, userIDs []string) map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]time.Time{}
	for _, id := range userIDs {
		out[id] = p.lastSeen[id]
	}
	return out
}

type fakeDelivery struct {
	mu     sync.Mutex
	events map[string][]wire.Event
}

func (d *fakeDelivery) Send(userID string, ev wire.Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events == nil {
		d.events = map[string][]wire.Event{}
	}
	d.events[userID] = append(d.events[userID], ev)
	return 1
}

func (d *fakeDelivery) last(userID string) (wire.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	evs := d.events[userID]
	if len(evs) == 0 {
		return wire.Event{}, false
	}
	return evs[len(evs)-1], true
}

type fakeReadStore struct {
	updated int
	err     error
	gotIDs  []string
}

func (s *fakeReadStore) MarkMessagesRead(_ context.Context, conversationID string, messageIDs []string, readerID string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.gotIDs = messageIDs
	return s.updated, nil
}

func TestSetTypingStoresAndNotifiesPeer(t *testing.T) {
	ctx := context.Background()
	pres := newFakePresence()
	del := &fakeDelivery{}
	h := New(pres, del, &fakeReadStore{})

	h.SetTyping(ctx, "conv1", "alice", "bob", true)

	if got := h.TypingUsers(ctx, "conv1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("typing users = %v, want [alice]", got)
	}
	ev, ok := del.last("bob")
	if !ok || ev.Type != wire.EventTyping {
		t.Fatalf("peer should receive a typing event, got %+v", ev)
	}
	te := ev.Data.(wire.TypingEvent)
	if te.UserID != "alice" || !te.Typing || te.ConversationID != "conv1" {
		t.Fatalf("unexpected typing payload %+v", te)
	}

	h.SetTyping(ctx, "conv1", "alice", "bob", false)
	if got := h.TypingUsers(ctx, "conv1"); len(got) != 0 {
		t.Fatalf("typing users after stop = %v, want none", got)
	}
}

func TestMarkReadClearsCounterAndReceipts(t *testing.T) {
	ctx := context.Background()
	pres := newFakePresence()
	pres.unread["bob"] = map[string]int64{"conv1": 3}
	del := &fakeDelivery{}
	store := &fakeReadStore{updated: 2}
	h := New(pres, del, store)

	n, err := h.MarkRead(ctx, "bob", "conv1", "alice", []string{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 updated, got %d", n)
	}

	if counts, _ := h.UnreadCounts(ctx, "bob"); counts["conv1"] != 0 {
		t.Fatal("unread counter should be cleared for the conversation")
	}

	ev, ok := del.last("alice")
	if !ok || ev.Type != wire.EventReadReceipt {
		t.Fatalf("sender should receive a read receipt, got %+v", ev)
	}
	rr := ev.Data.(wire.ReadReceiptEvent)
	if rr.ReaderID != "bob" || len(rr.MessageIDs) != 2 || rr.ReadAt == 0 {
		t.Fatalf("unexpected receipt payload %+v", rr)
	}
}

func TestMarkReadStoreFailureIsSurfaced(t *testing.T) {
	pres := newFakePresence()
	pres.unread["bob"] = map[string]int64{"conv1": 3}
	del := &fakeDelivery{}
	h := New(pres, del, &fakeReadStore{err: errors.New("db locked")})

	if _, err := h.MarkRead(context.Background(), "bob", "conv1", "alice", []string{"m1"}); err == nil {
		t.Fatal("store failure must surface")
	}
	// Counter untouched, no receipt sent.
	if counts, _ := h.UnreadCounts(context.Background(), "bob"); counts["conv1"] != 3 {
		t.Fatal("counter must not be cleared when the durable write fails")
	}
	if _, ok := del.last("alice"); ok {
		t.Fatal("no receipt may be sent when the durable write fails")
	}
}

func TestUnreadCountsTotals(t *testing.T) {
	pres := newFakePresence()
	pres.unread["bob"] = map[string]int64{"c1": 2, "c2": 5}
	h := New(pres, &fakeDelivery{}, &fakeReadStore{})

	counts, total := h.UnreadCounts(context.Background(), "bob")
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if counts["c1"] != 2 || counts["c2"] != 5 {
		t.Fatalf("counts = %v", counts)
	}

	h.MarkAllRead(context.Background(), "bob")
	if _, total := h.UnreadCounts(context.Background(), "bob"); total != 0 {
		t.Fatalf("total after mark-all = %d, want 0", total)
	}
}

func TestOnlineStatusBatches(t *testing.T) {
	pres := newFakePresence()
	pres.online["alice"] = true
	seen := time.Now().Add(-time.Hour)
	pres.lastSeen["bob"] = seen
	h := New(pres, &fakeDelivery{}, &fakeReadStore{})

	got := h.OnlineStatus(context.Background(), []string{"alice", "bob", "carol"})
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if !got["alice"].Online {
		t.Fatal("alice should be online")
	}
	if got["bob"].Online || !got["bob"].LastSeen.Equal(seen) {
		t.Fatalf("bob should be offline with last seen stamp, got %+v", got["bob"])
	}
	if got["carol"].Online || !got["carol"].LastSeen.IsZero() {
		t.Fatalf("unknown user should read offline/never seen, got %+v", got["carol"])
	}
}
