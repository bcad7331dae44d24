package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Media is the negotiated media type of a call.
type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
)

// Valid reports whether m is a known media type.
func (m Media) Valid() bool {
	return m == MediaAudio || m == MediaVideo
}

// Status is the lifecycle state of a call session.
//
//	initiating -> ringing -> connecting -> active -> ended
//	                      -> rejected
//	                      -> missed (ring timeout)
//	connecting/active     -> ended
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusRejected   Status = "rejected"
	StatusMissed     Status = "missed"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusMissed
}

// EndReason records why a call reached a terminal state.
type EndReason string

const (
	ReasonHangup   EndReason = "hangup"
	ReasonRejected EndReason = "rejected"
	ReasonTimeout  EndReason = "timeout"
	ReasonError    EndReason = "error"
)

// InvalidStateError rejects an operation that is not legal in the call's
// current state. The call is left untouched.
type InvalidStateError struct {
	CallID string
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("call %s: %s not valid in state %q", e.CallID, e.Op, e.Status)
}

// session is one call attempt. All state transitions for a call are
// serialized by its mutex, so a concurrent Answer and ring-timeout firing
// can never both take effect.
type session struct {
	id             string
	conversationID string
	callerID       string
	calleeID       string
	media          Media

	mu         sync.Mutex
	status     Status
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	endReason  EndReason

	// ICE candidates buffered per leg so a reconnecting peer can fetch what
	// was exchanged before it joined. Content is opaque to the server.
	callerCandidates []json.RawMessage
	calleeCandidates []json.RawMessage

	ring *time.Timer
}

func (s *session) participant(userID string) bool {
	return userID == s.callerID || userID == s.calleeID
}

// otherLeg returns the opposite participant. Callers must have validated
// membership first.
func (s *session) otherLeg(userID string) string {
	if userID == s.callerID {
		return s.calleeID
	}
	return s.callerID
}

// bufferCandidateLocked appends to the sending leg's buffer. Caller holds s.mu.
func (s *session) bufferCandidateLocked(fromUser string, payload json.RawMessage) {
	c := make(json.RawMessage, len(payload))
	copy(c, payload)
	if fromUser == s.callerID {
		s.callerCandidates = append(s.callerCandidates, c)
	} else {
		s.calleeCandidates = append(s.calleeCandidates, c)
	}
}

// Info is an immutable snapshot of a call session.
type Info struct {
	CallID         string    `json:"call_id"`
	ConversationID string    `json:"conversation_id"`
	CallerID       string    `json:"caller_id"`
	CalleeID       string    `json:"callee_id"`
	Media          Media     `json:"media"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	AnsweredAt     time.Time `json:"answered_at,omitzero"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	EndReason      EndReason `json:"end_reason,omitempty"`
	DurationSec    int64     `json:"duration_sec"`
}

// infoLocked snapshots the session. Caller holds s.mu.
func (s *session) infoLocked() Info {
	info := Info{
		CallID:         s.id,
		ConversationID: s.conversationID,
		CallerID:       s.callerID,
		CalleeID:       s.calleeID,
		Media:          s.media,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		AnsweredAt:     s.answeredAt,
		EndedAt:        s.endedAt,
		EndReason:      s.endReason,
	}
	if !s.answeredAt.IsZero() && !s.endedAt.IsZero() {
		d := s.endedAt.Sub(s.answeredAt)
		if d > 0 {
			info.DurationSec = int64(d / time.Second)
		}
	}
	return info
}
