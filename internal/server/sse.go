package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 16

type sseMessage struct {
	event string
	data  []byte
}

// hub fans events out to connected SSE clients. A client that cannot keep up
// with the buffer is disconnected rather than allowed to stall the publisher.
type hub struct {
	mu   sync.Mutex
	subs map[string]chan sseMessage
}

func newHub() *hub {
	return &hub{subs: make(map[string]chan sseMessage)}
}

// Publish serializes payload and delivers it to every subscriber.
func (h *hub) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("sse: marshal failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- sseMessage{event: event, data: data}:
		default:
			delete(h.subs, id)
			close(ch)
			slog.Warn("sse: dropped slow client", "client_id", id)
		}
	}
}

func (h *hub) subscribe() (string, <-chan sseMessage) {
	id := uuid.NewString()
	ch := make(chan sseMessage, subscriberBuffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
