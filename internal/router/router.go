// Package router delivers one message unit end-to-end: persist first, then
// echo to the sender's devices, push to the recipient's live connections,
// and fall back to unread counters plus an offline push when the recipient
// is unreachable.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("router")

// ErrNotMember rejects a send whose sender or recipient does not belong to
// the conversation. Nothing is persisted or delivered.
var ErrNotMember = errors.New("not a member of this conversation")

// Persistence is the external durable store. Only CreateMessage must succeed
// for a message to count as sent.
type Persistence interface {
	CreateMessage(ctx context.Context, conversationID, senderID string, payload wire.MessagePayload) (messageID string, sentAt time.Time, err error)
	ValidateConversationMembership(ctx context.Context, conversationID, userID string) (bool, error)
}

// Notifier wakes offline devices. Fire-and-forget; no return value is
// relied upon.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID, title, body, deepLink string)
}

// Delivery is the slice of the connection registry the router needs.
type Delivery interface {
	Send(userID string, ev wire.Event) int
	IsOnline(ctx context.Context, userID string) bool
}

// Unread is the slice of the presence store the router writes through.
type Unread interface {
	IncrementUnread(ctx context.Context, userID, conversationID string)
}

// Hook observes a delivered message. Hooks run asynchronously after the
// primary path completes; a panicking or slow hook cannot fail a send.
// Gamification/badge updates and the admin observer fan-out register here.
type Hook func(msg wire.Message)

// Result is what a completed send reports back to the caller.
type Result struct {
	Message wire.Message

	// DeliveredLive is how many of the recipient's connections in this
	// process accepted the message.
	DeliveredLive int

	// RecipientOnline is the cross-instance presence verdict at send time.
	RecipientOnline bool
}

type Router struct {
	store  Persistence
	reg    Delivery
	unread Unread
	notify Notifier
	hooks  []Hook
}

func New(store Persistence, reg Delivery, unread Unread, notify Notifier) *Router {
	return &Router{
		store:  store,
		reg:    reg,
		unread: unread,
		notify: notify,
	}
}

// AddHook registers a best-effort post-delivery observer. Not safe to call
// concurrently with Send; register everything during wiring.
func (r *Router) AddHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Send runs the delivery algorithm. A persistence failure is the only hard
// failure: the message was not sent and the caller must tell the sender.
// Everything after persistence is best-effort and merely logged.
func (r *Router) Send(ctx context.Context, senderID, conversationID, recipientID string, payload wire.MessagePayload) (Result, error) {
	if !payload.Kind.Valid() {
		return Result{}, fmt.Errorf("unknown message kind %q", payload.Kind)
	}

	for _, userID := range []string{senderID, recipientID} {
		ok, err := r.store.ValidateConversationMembership(ctx, conversationID, userID)
		if err != nil {
			return Result{}, fmt.Errorf("membership check: %w", err)
		}
		if !ok {
			return Result{}, ErrNotMember
		}
	}

	id, sentAt, err := r.store.CreateMessage(ctx, conversationID, senderID, payload)
	if err != nil {
		return Result{}, fmt.Errorf("persist message: %w", err)
	}

	msg := wire.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		MessagePayload: payload,
		SentAt:         sentAt,
	}

	// Echo to the sender's own devices so multi-device senders stay in sync.
	r.reg.Send(senderID, wire.Event{Type: wire.EventEcho, Data: msg})

	res := Result{Message: msg}
	res.DeliveredLive = r.reg.Send(recipientID, wire.Event{Type: wire.EventMessage, Data: msg})
	res.RecipientOnline = r.reg.IsOnline(ctx, recipientID)

	if !res.RecipientOnline {
		r.unread.IncrementUnread(ctx, recipientID, conversationID)
		if r.notify != nil {
			go r.notify.NotifyOffline(context.WithoutCancel(ctx), recipientID,
				"New message", preview(payload), deepLink(conversationID))
		}
	} else if res.DeliveredLive == 0 {
		// Online on another instance: presence is shared but frames are
		// process-local, so this message reaches them via history on next
		// sync. Sticky routing keeps this rare.
		log.Warnw("recipient online elsewhere, no local delivery",
			"conversation", conversationID, "recipient", recipientID)
	}

	r.fanOut(msg)

	log.Debugw("message routed", "conversation", conversationID, "message", id,
		"kind", payload.Kind, "live", res.DeliveredLive, "online", res.RecipientOnline)
	return res, nil
}

// fanOut dispatches post-delivery hooks without letting them touch the
// primary path.
func (r *Router) fanOut(msg wire.Message) {
	for _, h := range r.hooks {
		h := h
		go func() {
			defer func() {
				if p := recover(); p != nil {
					log.Errorw("message hook panicked", "message", msg.ID, "panic", p)
				}
			}()
			h(msg)
		}()
	}
}

// preview renders the push-notification body without leaking media content.
func preview(p wire.MessagePayload) string {
	switch p.Kind {
	case wire.KindText, wire.KindSystem:
		const max = 80
		if len(p.Body) > max {
			return p.Body[:max] + "…"
		}
		return p.Body
	case wire.KindPhoto:
		return "Sent you a photo"
	case wire.KindVoice:
		return "Sent you a voice message"
	case wire.KindGift:
		return "Sent you a gift"
	}
	return "New message"
}

func deepLink(conversationID string) string {
	return "velora://conversations/" + conversationID
}
