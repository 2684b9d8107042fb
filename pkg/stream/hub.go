// Package stream fans approval lifecycle events out to websocket
// subscribers, so wallet popups and guardian apps can follow a request
// without polling.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the router and the approval flows.
const (
	TypeReady        = "ready"
	TypeStatusChange = "status_change"
	TypeCompletion   = "completion"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	ev := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		ev.Data, _ = json.Marshal(data)
	}
	return ev
}

// StatusChangeEvent reports an approval request moving between consent stages.
func StatusChangeEvent(requestID, status string) Event {
	return NewEvent(TypeStatusChange, map[string]string{
		"request_id": requestID,
		"status":     status,
	})
}

// CompletionEvent reports the terminal outcome of a routed transaction.
func CompletionEvent(requestID string, approved bool, txHash string) Event {
	return NewEvent(TypeCompletion, map[string]interface{}{
		"request_id": requestID,
		"approved":   approved,
		"tx_hash":    txHash,
	})
}

const defaultSubscriberBuffer = 32

// Hub is an in-process broadcast of Events. Delivery is best-effort: a
// subscriber that stops draining loses events rather than stalling the
// approval flow that published them.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call more than once.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.listeners[ch]
	delete(h.listeners, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- evt:
		default: // slow subscriber, drop
		}
	}
}
