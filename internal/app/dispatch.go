package app

import (
	"context"
	"encoding/json"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/call"
	"github.com/velora-app/realtime/internal/convo"
	"github.com/velora-app/realtime/internal/router"
	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("app")

// Membership answers whether a user belongs to a conversation and who the
// other party is. The durable store satisfies this.
type Membership interface {
	ValidateConversationMembership(ctx context.Context, conversationID, userID string) (bool, error)
	ConversationPeer(ctx context.Context, conversationID, userID string) (string, bool)
}

// History serves reconnect catch-up: recent messages and a durable recount
// of unread totals. The durable store satisfies this.
type History interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error)
	UnreadCountsFromStore(ctx context.Context, userID string) (map[string]int64, error)
}

// MessageMetrics is the slice of the metrics collector the dispatcher
// reports to. May be nil.
type MessageMetrics interface {
	RecordMessage(outcome string)
}

// Dispatcher decodes client frames and drives the message router, the
// conversation helpers and the call engine. One instance serves every
// connection.
type Dispatcher struct {
	router  *router.Router
	convo   *convo.Helpers
	calls   *call.Engine
	members Membership
	history History
	metrics MessageMetrics
}

func NewDispatcher(r *router.Router, c *convo.Helpers, e *call.Engine, m Membership, h History, mm MessageMetrics) *Dispatcher {
	return &Dispatcher{router: r, convo: c, calls: e, members: m, history: h, metrics: mm}
}

// HandleFrame routes one decoded frame. Failures surface only on the
// submitting connection as error events; nothing here can take down the
// read loop.
func (d *Dispatcher) HandleFrame(ctx context.Context, userID string, f wire.Frame, reply func(wire.Event)) {
	switch f.Type {
	case wire.FrameSend:
		d.handleSend(ctx, userID, f.Data, reply)
	case wire.FrameTyping:
		d.handleTyping(ctx, userID, f.Data, reply)
	case wire.FrameRead:
		d.handleRead(ctx, userID, f.Data, reply)
	case wire.FrameSync:
		d.handleSync(ctx, userID, f.Data, reply)
	case wire.FrameCallInitiate:
		d.handleCallInitiate(ctx, userID, f.Data, reply)
	case wire.FrameCallAnswer:
		d.handleCallAnswer(userID, f.Data, reply)
	case wire.FrameCallSignal:
		d.handleCallSignal(userID, f.Data, reply)
	case wire.FrameCallEnd:
		d.handleCallEnd(userID, f.Data, reply)
	default:
		reply(wire.NewError("unknown_frame", "unknown frame type: "+f.Type))
	}
}

func decode[T any](data json.RawMessage, reply func(wire.Event)) (T, bool) {
	var req T
	if err := json.Unmarshal(data, &req); err != nil {
		reply(wire.NewError("bad_payload", "malformed frame payload"))
		return req, false
	}
	return req, true
}

func (d *Dispatcher) handleSend(ctx context.Context, userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.SendRequest](data, reply)
	if !ok {
		return
	}

	res, err := d.router.Send(ctx, userID, req.ConversationID, req.RecipientID, req.Payload)
	if err != nil {
		d.recordMessage("failed")
		switch {
		case errors.Is(err, router.ErrNotMember):
			reply(wire.NewError("not_member", "you are not part of this conversation"))
		default:
			log.Errorw("send failed", "user", userID, "conversation", req.ConversationID, "err", err)
			reply(wire.NewError("send_failed", "message could not be sent"))
		}
		return
	}

	if res.RecipientOnline {
		d.recordMessage("delivered")
	} else {
		d.recordMessage("offline")
	}
}

func (d *Dispatcher) handleTyping(ctx context.Context, userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.TypingRequest](data, reply)
	if !ok {
		return
	}

	// The peer is always resolved server-side; resolving doubles as the
	// membership check, so a non-member can never push typing events into
	// someone else's conversation.
	peer, found := d.members.ConversationPeer(ctx, req.ConversationID, userID)
	if !found {
		reply(wire.NewError("not_member", "you are not part of this conversation"))
		return
	}
	d.convo.SetTyping(ctx, req.ConversationID, userID, peer, req.Typing)
}

func (d *Dispatcher) handleRead(ctx context.Context, userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.ReadRequest](data, reply)
	if !ok {
		return
	}

	member, err := d.members.ValidateConversationMembership(ctx, req.ConversationID, userID)
	if err != nil {
		log.Errorw("read membership check failed", "conversation", req.ConversationID, "err", err)
		reply(wire.NewError("read_failed", "read receipt could not be recorded"))
		return
	}
	if !member {
		reply(wire.NewError("not_member", "you are not part of this conversation"))
		return
	}

	if _, err := d.convo.MarkRead(ctx, userID, req.ConversationID, req.SenderID, req.MessageIDs); err != nil {
		log.Errorw("mark read failed", "user", userID, "conversation", req.ConversationID, "err", err)
		reply(wire.NewError("read_failed", "read receipt could not be recorded"))
	}
}

func (d *Dispatcher) handleSync(ctx context.Context, userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.SyncRequest](data, reply)
	if !ok {
		return
	}

	member, err := d.members.ValidateConversationMembership(ctx, req.ConversationID, userID)
	if err != nil {
		log.Errorw("sync membership check failed", "conversation", req.ConversationID, "err", err)
		reply(wire.NewError("sync_failed", "history could not be loaded"))
		return
	}
	if !member {
		reply(wire.NewError("not_member", "you are not part of this conversation"))
		return
	}

	msgs, err := d.history.RecentMessages(ctx, req.ConversationID, req.Limit)
	if err != nil {
		log.Errorw("history load failed", "conversation", req.ConversationID, "err", err)
		reply(wire.NewError("sync_failed", "history could not be loaded"))
		return
	}

	// The recount is authoritative; the ephemeral counters may have been
	// lost. Failure here only costs the badge numbers, not the history.
	counts, err := d.history.UnreadCountsFromStore(ctx, userID)
	if err != nil {
		log.Warnw("unread recount failed", "user", userID, "err", err)
		counts = nil
	}

	reply(wire.Event{Type: wire.EventSync, Data: wire.SyncEvent{
		ConversationID: req.ConversationID,
		Messages:       msgs,
		UnreadCounts:   counts,
	}})
}

func (d *Dispatcher) handleCallInitiate(ctx context.Context, userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.CallInitiateRequest](data, reply)
	if !ok {
		return
	}

	for _, id := range []string{userID, req.CalleeID} {
		member, err := d.members.ValidateConversationMembership(ctx, req.ConversationID, id)
		if err != nil {
			log.Errorw("call membership check failed", "conversation", req.ConversationID, "err", err)
			reply(wire.NewError("call_failed", "call could not be started"))
			return
		}
		if !member {
			reply(wire.NewError("not_member", "calls are only possible between matched users"))
			return
		}
	}

	info, err := d.calls.Initiate(req.ConversationID, userID, req.CalleeID, call.Media(req.Media))
	if err != nil {
		reply(wire.NewError("call_failed", err.Error()))
		return
	}
	// The caller needs the assigned call id to answer signaling for it.
	reply(wire.Event{Type: wire.EventCallCreated, Data: info})
}

func (d *Dispatcher) handleCallAnswer(userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.CallAnswerRequest](data, reply)
	if !ok {
		return
	}
	if _, err := d.calls.Answer(req.CallID, userID, req.Accept); err != nil {
		replyCallError(err, reply)
	}
}

func (d *Dispatcher) handleCallSignal(userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.CallSignalRequest](data, reply)
	if !ok {
		return
	}
	if err := d.calls.RelaySignal(req.CallID, userID, req.SignalType, req.Payload); err != nil {
		replyCallError(err, reply)
	}
}

func (d *Dispatcher) handleCallEnd(userID string, data json.RawMessage, reply func(wire.Event)) {
	req, ok := decode[wire.CallEndRequest](data, reply)
	if !ok {
		return
	}
	if _, err := d.calls.End(req.CallID, userID, call.EndReason(req.Reason)); err != nil {
		replyCallError(err, reply)
	}
}

func replyCallError(err error, reply func(wire.Event)) {
	var invalid *call.InvalidStateError
	switch {
	case errors.Is(err, call.ErrNotFound):
		reply(wire.NewError("call_not_found", "unknown or expired call"))
	case errors.Is(err, call.ErrNotParticipant):
		reply(wire.NewError("not_participant", "you are not part of this call"))
	case errors.As(err, &invalid):
		reply(wire.NewError("invalid_state", invalid.Error()))
	default:
		reply(wire.NewError("call_failed", "call operation failed"))
	}
}

func (d *Dispatcher) recordMessage(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordMessage(outcome)
	}
}
