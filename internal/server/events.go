package server

import (
	"net/http"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	eventsBacklog = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin is enforced by the fronting proxy
	},
}

// Event is one websocket message. Type is "task" for an UploadTask update
// and "done" once the batch has settled.
type Event struct {
	Type  string                `json:"type"`
	Task  *models.UploadTask    `json:"task,omitempty"`
	Batch *models.BatchResponse `json:"batch,omitempty"`
}

// handleEvents streams the batch's task updates: first the current state of
// every task, then each change, then a final "done" event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection.", "error", err)
		return
	}
	defer conn.Close()
	logCtx := s.logger.With("batchId", batch.ID)

	updates, unsubscribe := batch.Tracker().Subscribe(eventsBacklog)
	defer unsubscribe()

	// The client never sends anything; reading only detects disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logCtx.Warn("WebSocket error.", "error", err)
				}
				return
			}
		}
	}()

	send := func(ev Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			logCtx.Debug("WebSocket write failed.", "error", err)
			return false
		}
		return true
	}

	for _, task := range batch.Tracker().Snapshot() {
		if !send(Event{Type: "task", Task: &task}) {
			return
		}
	}

	for {
		select {
		case task, ok := <-updates:
			if !ok {
				return
			}
			if !send(Event{Type: "task", Task: &task}) {
				return
			}
		case <-batch.Done():
			drain(updates, send)
			resp := batch.Wait().Response()
			if send(Event{Type: "done", Batch: &resp}) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch settled"),
					time.Now().Add(writeWait))
			}
			return
		case <-gone:
			return
		}
	}
}

// drain sends the updates already buffered when the batch settled.
func drain(updates <-chan models.UploadTask, send func(Event) bool) {
	for {
		select {
		case task, ok := <-updates:
			if !ok || !send(Event{Type: "task", Task: &task}) {
				return
			}
		default:
			return
		}
	}
}
