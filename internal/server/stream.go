package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/kotae/internal/chat"
	"go.uber.org/zap"
)

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat streams one chat turn as server-sent events. Failures before the
// first event are plain JSON errors; later failures arrive as an error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	events, err := s.Chat.Chat(r.Context(), chat.Request{
		UserID:   userFrom(r),
		ThreadID: chi.URLParam(r, "threadID"),
		Message:  req.Message,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for ev := range events {
		if err := writeEvent(w, ev); err != nil {
			s.logger.Debug("Chat stream client gone", zap.Error(err))
			drain(events)
			return
		}
		if err := rc.Flush(); err != nil {
			s.logger.Debug("Chat stream flush failed", zap.Error(err))
		}
	}
}

func writeEvent(w http.ResponseWriter, ev chat.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// drain consumes the rest of a stream so the turn can finish its accounting.
func drain(events <-chan chat.StreamEvent) {
	for range events {
	}
}
