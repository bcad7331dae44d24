// Package convo is the thin façade over the presence store and connection
// registry for typing indicators, read receipts and unread counters.
package convo

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("convo")

// Presence is the slice of the presence store the helpers use.
type Presence interface {
	SetTyping(ctx context.Context, conversationID, userID string, typing bool)
	TypingUserIDs(ctx context.Context, conversationID string) []string
	ClearUnread(ctx context.Context, userID, conversationID string)
	ClearAllUnread(ctx context.Context, userID string)
	UnreadCounts(ctx context.Context, userID string) map[string]int64
	BatchIsOnline(ctx context.Context, userIDs []string) map[string]bool
	BatchLastSeen(ctx context.Context, userIDs []string) map[string]time.Time
}

// Delivery is the slice of the connection registry the helpers use.
type Delivery interface {
	Send(userID string, ev wire.Event) int
}

// ReadStore flips read flags in the durable store, scoped to one
// conversation.
type ReadStore interface {
	MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, readerID string) (int, error)
}

type Helpers struct {
	presence Presence
	reg      Delivery
	store    ReadStore
}

func New(p Presence, reg Delivery, store ReadStore) *Helpers {
	return &Helpers{presence: p, reg: reg, store: store}
}

// SetTyping records the indicator in the shared store and pushes a live
// typing event to the conversation peer. Conversations are 1:1, so the
// caller supplies the peer id directly.
func (h *Helpers) SetTyping(ctx context.Context, conversationID, userID, peerID string, typing bool) {
	h.presence.SetTyping(ctx, conversationID, userID, typing)
	h.reg.Send(peerID, wire.Event{Type: wire.EventTyping, Data: wire.TypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}})
}

// TypingUsers returns who is currently typing in the conversation.
func (h *Helpers) TypingUsers(ctx context.Context, conversationID string) []string {
	return h.presence.TypingUserIDs(ctx, conversationID)
}

// MarkRead flips the read flags durably, zeroes the reader's unread counter
// for the conversation and sends a read receipt to the original sender's
// live connections. The durable write is the only step that can fail.
func (h *Helpers) MarkRead(ctx context.Context, readerID, conversationID, senderID string, messageIDs []string) (int, error) {
	updated, err := h.store.MarkMessagesRead(ctx, conversationID, messageIDs, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	h.presence.ClearUnread(ctx, readerID, conversationID)

	h.reg.Send(senderID, wire.Event{Type: wire.EventReadReceipt, Data: wire.ReadReceiptEvent{
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     messageIDs,
		ReadAt:         time.Now().UnixMilli(),
	}})

	log.Debugw("marked read", "conversation", conversationID, "reader", readerID, "updated", updated)
	return updated, nil
}

// MarkAllRead clears every unread counter for the user at once. The durable
// per-message flags are the REST layer's bulk concern; this only resets the
// realtime badges.
func (h *Helpers) MarkAllRead(ctx context.Context, userID string) {
	h.presence.ClearAllUnread(ctx, userID)
}

// UnreadCounts returns the per-conversation counters and their sum.
func (h *Helpers) UnreadCounts(ctx context.Context, userID string) (map[string]int64, int64) {
	counts := h.presence.UnreadCounts(ctx, userID)
	var total int64
	for _, n := range counts {
		total += n
	}
	return counts, total
}

// UserStatus is one user's reachability as shown in match lists.
type UserStatus struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// OnlineStatus resolves reachability for a batch of users in two store round
// trips, regardless of batch size.
func (h *Helpers) OnlineStatus(ctx context.Context, userIDs []string) map[string]UserStatus {
	online := h.presence.BatchIsOnline(ctx, userIDs)
	lastSeen := h.presence.BatchLastSeen(ctx, userIDs)

	out := make(map[string]UserStatus, len(userIDs))
	for _, id := range userIDs {
		out[id] = UserStatus{Online: online[id], LastSeen: lastSeen[id]}
	}
	return out
}
