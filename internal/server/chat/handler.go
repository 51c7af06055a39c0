package chat

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"dmchat/internal/identity"
	"dmchat/internal/server/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev setting. Lock the origin down before exposing this publicly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub  *Hub
	repo *Repository
}

func NewHandler(hub *Hub, repo *Repository) *Handler {
	return &Handler{hub: hub, repo: repo}
}

// ServeWs upgrades an authenticated request to a websocket session and
// starts its pumps. The session still has to send a join frame before the
// hub will deliver anything to it.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	client := NewClient(h.hub, conn, userID, username)
	go client.WritePump()
	go client.ReadPump()
}

// GetHistory returns every message between two user ids, oldest first. The
// requester must be one of the pair.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	a, err := identity.NormalizeID(chi.URLParam(r, "a")).Int64()
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	b, err := identity.NormalizeID(chi.URLParam(r, "b")).Int64()
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	if userID != a && userID != b {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	messages, err := h.repo.HistoryBetween(r.Context(), a, b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}
