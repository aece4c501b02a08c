package app

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"atelier/api/internal/block"
)

// event is the envelope pushed to editor clients over the websocket.
// Exactly one payload field is set, selected by Type.
type event struct {
	Type      string          `json:"type"`
	Document  json.RawMessage `json:"document,omitempty"`
	SaveState *saveStateView  `json:"saveState,omitempty"`
	Slug      string          `json:"slug,omitempty"`
}

// eventHub fans session events out to the websocket connections watching
// one project. Slow consumers are dropped rather than allowed to stall
// the editing session.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan event]struct{})}
}

func (h *eventHub) subscribe() chan event {
	ch := make(chan event, 32)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *eventHub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) broadcastDocument(doc block.Document) {
	data, err := block.MarshalEditing(doc)
	if err != nil {
		log.Printf("app: encode document event: %v", err)
		return
	}
	h.broadcast(event{Type: "document", Document: data})
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan event]struct{})
}

// serveEvents drains a subscription into one websocket connection. Reads
// are discarded; the socket is push-only.
func serveEvents(conn *websocket.Conn, hub *eventHub) {
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				hub.unsubscribe(ch)
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
}
