package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/logstream"
)

// streamExecution serves the live log stream of one execution as
// server-sent events. For an already-finished execution it replays the
// persisted log and closes; for a live one it subscribes to the broker and
// streams until the terminal event arrives or the client disconnects.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, exec *domain.Execution) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if exec.Status == domain.ExecutionCompleted || exec.Status == domain.ExecutionFailed {
		s.replayExecution(w, flusher, exec)
		return
	}

	// Subscribe before the catch-up replay so no event falls in the gap;
	// duplicates across the seam are cheaper than losses
	sub, unsubscribe := s.broker.Subscribe(logstream.ExecutionScope(exec.ID))
	defer unsubscribe()

	s.replayExecution(w, flusher, exec)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, flusher, eventName(ev), ev)
			if ev.Terminal {
				return
			}
		}
	}
}

// replayExecution writes the persisted log entries as catch-up events
func (s *Server) replayExecution(w http.ResponseWriter, flusher http.Flusher, exec *domain.Execution) {
	logs, err := s.store.ListLogs(exec.ID)
	if err != nil {
		s.logger.Warn("replaying execution log", "execution", exec.ID, "error", err)
		return
	}
	for _, entry := range logs {
		ev := logstream.Event{
			ExecutionID: exec.ID,
			RoutineID:   exec.RoutineID,
			OwnerID:     exec.OwnerID,
			Timestamp:   entry.Timestamp,
			Level:       entry.Level,
			Stage:       entry.Stage,
			Message:     entry.Message,
			Metadata:    entry.Metadata,
		}
		writeSSE(w, flusher, "log", ev)
	}
	if exec.Status == domain.ExecutionCompleted || exec.Status == domain.ExecutionFailed {
		writeSSE(w, flusher, "completion", logstream.Event{
			ExecutionID: exec.ID,
			RoutineID:   exec.RoutineID,
			OwnerID:     exec.OwnerID,
			Terminal:    true,
			FinalStatus: string(exec.Status),
		})
	}
}

func eventName(ev logstream.Event) string {
	if ev.Terminal {
		return "completion"
	}
	return "log"
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, ev logstream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", name)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
