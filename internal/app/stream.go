package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"planboard/api/internal/rbac"
)

// handleEvents streams the document's events as server-sent events, one
// JSON object per data line. The stream only carries events committed after
// it opened; clients subscribe first and then fetch a snapshot.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	documentID := mux.Vars(r)["id"]
	if _, err := s.service.Authorize(r.Context(), documentID, session.UserID, rbac.ActionRead); err != nil {
		s.writeServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeServerError, "Streaming unsupported", nil)
		return
	}

	stream := s.service.Hub().Open(documentID, s.service.cfg.StreamBuffer)
	defer stream.Close()

	logger := zerolog.Ctx(r.Context()).With().Str("document_id", documentID).Str("actor_id", session.UserID).Logger()
	logger.Debug().Msg("event stream opened")

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := s.service.cfg.StreamKeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("event stream closed by client")
			return
		case <-stream.Lost():
			logger.Warn().Msg("event stream fell behind, closing")
			return
		case ev := <-stream.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Msg("encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
