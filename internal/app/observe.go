package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velora-app/realtime/internal/observer"
	"github.com/velora-app/realtime/internal/ws"
)

// observeHandler is the admin live-observation surface: a websocket that
// streams one conversation's message activity to moderation tooling. Tokens
// go through the same verifier as client connections; the account service
// only mints observation tokens for admin accounts.
type observeHandler struct {
	verify   ws.TokenVerifier
	hub      *observer.Hub
	upgrader websocket.Upgrader
}

func newObserveHandler(verify ws.TokenVerifier, hub *observer.Hub, allowedOrigins []string) *observeHandler {
	h := &observeHandler{verify: verify, hub: hub}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) == 0 {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	} else {
		set := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			set[strings.TrimSuffix(o, "/")] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
			if origin == "" {
				return true
			}
			_, ok := set[origin]
			return ok
		}
	}
	return h
}

func (h *observeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := r.URL.Query().Get("token")
	adminID, err := h.verify.VerifyConnectionToken(r.Context(), token)
	if err != nil {
		deadline := time.Now().Add(10 * time.Second)
		wsc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseAuthFailure, "invalid observation token"), deadline)
		wsc.Close()
		return
	}

	conn := ws.NewConn(adminID, wsc)
	h.hub.Attach(conversationID, conn)
	log.Infow("observer attached", "admin", adminID, "conversation", conversationID)

	// Observers only listen. Drain control frames until the socket closes.
	for {
		if _, _, err := wsc.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Detach(conversationID, conn)
	log.Infow("observer detached", "admin", adminID, "conversation", conversationID)
}
