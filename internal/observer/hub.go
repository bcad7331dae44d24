// Package observer fans message metadata out to admin live-monitoring
// connections keyed by conversation id. Purely additive: delivery never
// waits on an observer and an observer failure only drops that observer.
package observer

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/util"
	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("observer")

// Conn is one attached observer socket.
type Conn interface {
	Send(ev wire.Event) error
	Close()
}

// DefaultBacklog is how many recent messages per conversation are replayed
// to a late-attaching observer.
const DefaultBacklog = 50

type Hub struct {
	backlog int

	mu     sync.RWMutex
	byConv map[string]map[Conn]struct{}
	recent map[string]*util.RingBuffer[wire.Message]
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		backlog: backlog,
		byConv:  make(map[string]map[Conn]struct{}),
		recent:  make(map[string]*util.RingBuffer[wire.Message]),
	}
}

// Attach subscribes an observer to a conversation and replays the recent
// backlog so it does not join blind.
func (h *Hub) Attach(conversationID string, c Conn) {
	h.mu.Lock()
	set, ok := h.byConv[conversationID]
	if !ok {
		set = make(map[Conn]struct{})
		h.byConv[conversationID] = set
	}
	set[c] = struct{}{}
	var replay []wire.Message
	if buf, ok := h.recent[conversationID]; ok {
		replay = buf.Last(h.backlog)
	}
	h.mu.Unlock()

	for _, msg := range replay {
		if err := c.Send(wire.Event{Type: wire.EventMessage, Data: msg}); err != nil {
			h.Detach(conversationID, c)
			return
		}
	}
	log.Debugw("observer attached", "conversation", conversationID, "replayed", len(replay))
}

// Detach unsubscribes and closes an observer.
func (h *Hub) Detach(conversationID string, c Conn) {
	h.mu.Lock()
	if set, ok := h.byConv[conversationID]; ok {
		if _, member := set[c]; member {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byConv, conversationID)
			}
		}
	}
	h.mu.Unlock()
	c.Close()
}

// ObserveMessage records the message and broadcasts it to the conversation's
// observers. Satisfies router.Hook.
func (h *Hub) ObserveMessage(msg wire.Message) {
	h.mu.Lock()
	buf, ok := h.recent[msg.ConversationID]
	if !ok {
		buf = util.NewRingBuffer[wire.Message](h.backlog)
		h.recent[msg.ConversationID] = buf
	}
	buf.Push(msg)
	var conns []Conn
	if set, ok := h.byConv[msg.ConversationID]; ok {
		conns = make([]Conn, 0, len(set))
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(wire.Event{Type: wire.EventMessage, Data: msg}); err != nil {
			h.Detach(msg.ConversationID, c)
		}
	}
}

// Observers returns how many observers a conversation currently has.
func (h *Hub) Observers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byConv[conversationID])
}
