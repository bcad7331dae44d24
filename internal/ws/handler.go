// Package ws is the realtime connection surface: websocket handshake, token
// verification, read/write pumps and frame dispatch into the core.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/registry"
	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("ws")

// Close codes in the application range.
const (
	// CloseAuthFailure closes a connection whose token did not verify.
	CloseAuthFailure = 4401
)

// TokenVerifier is the authentication collaborator, invoked once per
// handshake.
type TokenVerifier interface {
	VerifyConnectionToken(ctx context.Context, token string) (userID string, err error)
}

// Hub is the slice of the connection registry the handler drives.
type Hub interface {
	Connect(ctx context.Context, userID string, conn registry.Conn)
	Disconnect(ctx context.Context, userID string, conn registry.Conn)
}

// Dispatcher routes one decoded client frame into the core. Events meant
// only for the submitting connection (errors, confirmations) go through
// reply.
type Dispatcher interface {
	HandleFrame(ctx context.Context, userID string, f wire.Frame, reply func(wire.Event))
}

type Handler struct {
	verify   TokenVerifier
	hub      Hub
	dispatch Dispatcher

	// touch refreshes the user's presence TTL on inbound activity. Optional.
	touch func(ctx context.Context, userID string)

	upgrader websocket.Upgrader
}

// Options configures the handler. Empty AllowedOrigins accepts any origin.
type Options struct {
	AllowedOrigins []string
	Touch          func(ctx context.Context, userID string)
}

func NewHandler(verify TokenVerifier, hub Hub, dispatch Dispatcher, opts Options) *Handler {
	h := &Handler{
		verify:   verify,
		hub:      hub,
		dispatch: dispatch,
		touch:    opts.Touch,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
		if origin == "" {
			return true // non-browser client
		}
		_, ok := set[origin]
		return ok
	}
}

// bearerToken pulls the connection token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ServeHTTP upgrades, authenticates, registers the connection and runs the
// read loop until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	token := bearerToken(r)
	userID, err := h.verify.VerifyConnectionToken(r.Context(), token)
	if err != nil {
		log.Debugw("handshake rejected", "remote", r.RemoteAddr, "err", err)
		deadline := time.Now().Add(writeWait)
		wsc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthFailure, "invalid connection token"), deadline)
		wsc.Close()
		return
	}

	conn := newConn(userID, wsc)
	go conn.writePump()

	ctx := context.WithoutCancel(r.Context())
	h.hub.Connect(ctx, userID, conn)
	log.Infow("client connected", "user", userID, "remote", r.RemoteAddr)

	h.readLoop(ctx, conn)

	h.hub.Disconnect(ctx, userID, conn)
	conn.Close()
	log.Infow("client disconnected", "user", userID)
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	wsc := conn.ws
	wsc.SetReadLimit(maxFrameSize)
	wsc.SetReadDeadline(time.Now().Add(pongWait))
	wsc.SetPongHandler(func(string) error {
		wsc.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	reply := func(ev wire.Event) {
		// A failed reply means the connection is dying; the read loop will
		// notice on its own.
		_ = conn.Send(ev)
	}

	for {
		_, data, err := wsc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("read failed", "user", conn.userID, "err", err)
			}
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			reply(wire.NewError("bad_frame", "frame is not valid JSON"))
			continue
		}

		if h.touch != nil {
			h.touch(ctx, conn.userID)
		}
		h.dispatch.HandleFrame(ctx, conn.userID, f, reply)
	}
}
