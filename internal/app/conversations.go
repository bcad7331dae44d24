package app

import (
	"encoding/json"
	"net/http"

	"github.com/velora-app/realtime/internal/storage"
)

// conversationsHandler is the provisioning surface the match service calls
// when two users match. It is an internal endpoint; deployments keep
// /internal off the public edge.
type conversationsHandler struct {
	db *storage.DB
}

func (h *conversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID    string `json:"id"`
		UserA string `json:"user_a"`
		UserB string `json:"user_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.UserA == "" || req.UserB == "" || req.UserA == req.UserB {
		http.Error(w, "id, user_a and user_b are required and must differ", http.StatusBadRequest)
		return
	}

	if err := h.db.EnsureConversation(r.Context(), req.ID, req.UserA, req.UserB); err != nil {
		log.Errorw("conversation provisioning failed", "conversation", req.ID, "err", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	log.Infow("conversation provisioned", "conversation", req.ID)
	w.WriteHeader(http.StatusNoContent)
}
