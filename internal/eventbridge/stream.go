package eventbridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kingrea/runlevel/internal/events"
)

const wsWriteWait = 10 * time.Second

// recordFilter honours the optional ?worker= and ?kind= query parameters.
// Both accept comma-separated lists.
func recordFilter(r *http.Request) func(events.Record) bool {
	workers := splitList(r.URL.Query().Get("worker"))
	kinds := splitList(r.URL.Query().Get("kind"))
	return func(rec events.Record) bool {
		if len(workers) > 0 && !workers[rec.Worker] {
			return false
		}
		if len(kinds) > 0 && !kinds[string(rec.Kind)] {
			return false
		}
		return true
	}
}

func splitList(raw string) map[string]bool {
	out := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = true
		}
	}
	return out
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event feed not attached"})
		return
	}
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Printf("eventbridge: sse flush unsupported: %v", err)
		return
	}

	sub := s.feed.Subscribe()
	defer sub.Close()
	filter := recordFilter(r)
	heartbeat := time.NewTicker(s.settings.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case rec, ok := <-sub.Events:
			if !ok {
				return
			}
			if !filter(rec) {
				continue
			}
			if err := writeSSE(w, rec); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", rec.ID, rec.Kind, data)
	return err
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event feed not attached"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Printf("eventbridge: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := s.feed.Subscribe()
	defer sub.Close()
	filter := recordFilter(r)

	// The read pump only drains control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.settings.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "supervisor shutting down"),
				time.Now().Add(time.Second))
			return
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case rec, ok := <-sub.Events:
			if !ok {
				return
			}
			if !filter(rec) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}
