package wire

import (
	"encoding/json"
	"time"
)

// Kind is the message content type.
type Kind string

const (
	KindText   Kind = "text"
	KindPhoto  Kind = "photo"
	KindVoice  Kind = "voice"
	KindGift   Kind = "gift"
	KindSystem Kind = "system"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVoice, KindGift, KindSystem:
		return true
	}
	return false
}

// MessagePayload is the sender-supplied content of one message.
type MessagePayload struct {
	Kind     Kind   `json:"kind"`
	Body     string `json:"body,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	GiftID   string `json:"gift_id,omitempty"`
}

// Message is a delivered message: payload plus the durable identity the
// persistence layer assigned to it.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	MessagePayload
	SentAt time.Time `json:"sent_at"`
}

// SendRequest is the payload of a "send" frame.
type SendRequest struct {
	ConversationID string         `json:"conversation_id"`
	RecipientID    string         `json:"recipient_id"`
	Payload        MessagePayload `json:"payload"`
}

// TypingRequest is the payload of a "typing" frame. The recipient is
// resolved server-side from the conversation; conversations are 1:1.
type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// ReadRequest is the payload of a "read" frame. SenderID is the author of
// the messages being acknowledged, so their devices can render receipts.
type ReadRequest struct {
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	MessageIDs     []string `json:"message_ids"`
}

// SyncRequest is the payload of a "sync" frame, sent after reconnecting to
// catch up on a conversation.
type SyncRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

// SyncEvent answers a sync frame: the conversation's recent messages oldest
// first, plus the user's unread counters recounted from the durable store.
type SyncEvent struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []Message        `json:"messages"`
	UnreadCounts   map[string]int64 `json:"unread_counts,omitempty"`
}

// CallInitiateRequest is the payload of a "call.initiate" frame.
type CallInitiateRequest struct {
	ConversationID string `json:"conversation_id"`
	CalleeID       string `json:"callee_id"`
	Media          string `json:"media"`
}

// CallAnswerRequest is the payload of a "call.answer" frame.
type CallAnswerRequest struct {
	CallID string `json:"call_id"`
	Accept bool   `json:"accept"`
}

// CallSignalRequest is the payload of a "call.signal" frame. Payload is
// relayed opaquely — the server never inspects SDP or ICE content.
type CallSignalRequest struct {
	CallID     string          `json:"call_id"`
	SignalType string          `json:"signal_type"`
	Payload    json.RawMessage `json:"payload"`
}

// CallEndRequest is the payload of a "call.end" frame.
type CallEndRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// PresenceEvent announces that a matched user went online or offline.
// LastSeen is unix milliseconds and zero while the user is online.
type PresenceEvent struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// TypingEvent tells the recipient that UserID started or stopped typing.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// ReadReceiptEvent tells a sender that their messages were read.
type ReadReceiptEvent struct {
	ConversationID string   `json:"conversation_id"`
	ReaderID       string   `json:"reader_id"`
	MessageIDs     []string `json:"message_ids"`
	ReadAt         int64    `json:"read_at"`
}

// CallIncomingEvent rings the callee's devices.
type CallIncomingEvent struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	CallerID       string `json:"caller_id"`
	Media          string `json:"media"`
}

// CallAnswerEvent is fanned out to both legs when the callee answers, so the
// caller proceeds and the callee's other devices stop ringing.
type CallAnswerEvent struct {
	CallID   string `json:"call_id"`
	Accepted bool   `json:"accepted"`
}

// CallMissedEvent is sent to both legs when the ring timeout fires.
type CallMissedEvent struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
}

// CallSignalEvent relays one signaling payload to the other leg.
type CallSignalEvent struct {
	CallID     string          `json:"call_id"`
	FromUserID string          `json:"from_user_id"`
	SignalType string          `json:"signal_type"`
	Payload    json.RawMessage `json:"payload"`
}

// CallEndedEvent closes a call on the remote leg.
type CallEndedEvent struct {
	CallID      string `json:"call_id"`
	EndedBy     string `json:"ended_by"`
	Reason      string `json:"reason"`
	DurationSec int64  `json:"duration_sec"`
}
