package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/go-chi/chi/v5"
)

// handleEvents streams a job's events as server-sent events until the client
// disconnects. Events published while the client is not connected are lost.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err, "job_id", jobID)
		return
	}

	rc := http.NewResponseController(w)
	// The server's write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.hub.Subscribe(jobID)
	defer sub.Close()
	s.metrics.sseClients.Inc()
	defer s.metrics.sseClients.Dec()

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("event stream cannot flush")
		return
	}

	ctx := r.Context()
	incoming := make(chan domain.Event)
	failed := make(chan error, 1)
	go func() {
		for {
			event, err := sub.Next(ctx)
			if err != nil {
				failed <- err
				return
			}
			select {
			case incoming <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-incoming:
			if err := writeEvent(w, event.Type, event.Data); err != nil {
				return
			}
		case err := <-failed:
			if errors.Is(err, events.ErrSubscriberTooSlow) {
				s.logger.Warn().Str("job_id", jobID).Msg("closing slow event subscriber")
				_ = writeEvent(w, "error", map[string]string{"error": err.Error()})
				_ = rc.Flush()
			}
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
