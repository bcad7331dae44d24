// Package wire defines the JSON frame envelope exchanged with clients over
// a realtime connection, and the typed payloads carried inside it.
package wire

import "encoding/json"

// Client→server frame types.
const (
	FrameSend         = "send"
	FrameTyping       = "typing"
	FrameRead         = "read"
	FrameSync         = "sync"
	FrameCallInitiate = "call.initiate"
	FrameCallAnswer   = "call.answer"
	FrameCallSignal   = "call.signal"
	FrameCallEnd      = "call.end"
)

// Server→client event types.
const (
	EventMessage      = "message"
	EventEcho         = "message.echo"
	EventPresence     = "presence"
	EventTyping       = "typing"
	EventReadReceipt  = "read.receipt"
	EventSync         = "sync"
	EventCallCreated  = "call.created"
	EventCallIncoming = "call.incoming"
	EventCallAnswer   = "call.answer"
	EventCallMissed   = "call.missed"
	EventCallSignal   = "call.signal"
	EventCallEnded    = "call.ended"
	EventError        = "error"
)

// Frame is one inbound client frame. Data is decoded by the dispatcher
// according to Type.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one outbound server event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrorEvent is pushed back on the submitting connection when a frame is
// rejected. Code is stable; Message is for humans.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) Event {
	return Event{Type: EventError, Data: ErrorEvent{Code: code, Message: message}}
}
