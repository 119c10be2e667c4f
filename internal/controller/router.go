package controller

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (c controller) GetMux() http.Handler {
	r := chi.NewRouter()

	prefix := c.cfg.URLPathPrefix
	if prefix == "" {
		prefix = "/"
	}

	r.Route(prefix, func(r chi.Router) {
		r.HandleFunc("/ws/stream", c.handleStream)
		r.Get("/api/config", c.getConfig)
		r.Get("/api/rooms", c.listRooms)
		r.Post("/api/rooms/{room-id}/join-token", c.createJoinToken)
	})

	return r
}

func (c controller) getConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"path_prefix":      c.cfg.URLPathPrefix,
		"default_settings": c.cfg.DefaultSettings,
	}); err != nil {
		c.logger.WarnContext(r.Context(), "failed to encode config", "error", err)
	}
}

func (c controller) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := c.roomService.ListRooms(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rooms); err != nil {
		c.logger.WarnContext(r.Context(), "failed to encode rooms", "error", err)
	}
}

func (c controller) createJoinToken(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room-id")
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	token, err := c.roomService.CreateJoinToken(r.Context(), roomID)
	if err != nil {
		c.logger.DebugContext(r.Context(), "failed to create join token", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"token": token}); err != nil {
		c.logger.WarnContext(r.Context(), "failed to encode token", "error", err)
	}
}
