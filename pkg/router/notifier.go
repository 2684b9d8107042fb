package router

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/statebus"
	"github.com/Mohiiit/cloak-sub007/pkg/stream"
)

// StreamNotifier mirrors flow progress onto the websocket hub.
type StreamNotifier struct {
	Hub *stream.Hub
}

func (n *StreamNotifier) StatusChanged(requestID, status string) {
	if n == nil || n.Hub == nil {
		return
	}
	n.Hub.Publish(stream.StatusChangeEvent(requestID, status))
}

func (n *StreamNotifier) Completed(requestID string, approved bool, txHash string) {
	if n == nil || n.Hub == nil {
		return
	}
	n.Hub.Publish(stream.CompletionEvent(requestID, approved, txHash))
}

// BusNotifier mirrors flow progress onto Kafka so out-of-process observers
// (guardian apps, reconciliation jobs) see the same events. Publish failures
// are logged and dropped; notification can never fail the transaction.
type BusNotifier struct {
	Bus *statebus.Publisher
	// Origin tags each message with the publishing instance so consumers
	// can drop their own echoes.
	Origin  string
	Timeout time.Duration
}

func (n *BusNotifier) publish(requestID string, payload any) {
	if n == nil || n.Bus == nil {
		return
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := n.Bus.Publish(ctx, requestID, body); err != nil {
		log.Printf("notify %s: %v", requestID, err)
	}
}

func (n *BusNotifier) StatusChanged(requestID, status string) {
	n.publish(requestID, map[string]string{
		"type":       stream.TypeStatusChange,
		"origin":     n.Origin,
		"request_id": requestID,
		"status":     status,
	})
}

func (n *BusNotifier) Completed(requestID string, approved bool, txHash string) {
	n.publish(requestID, map[string]any{
		"type":       stream.TypeCompletion,
		"origin":     n.Origin,
		"request_id": requestID,
		"approved":   approved,
		"tx_hash":    txHash,
	})
}
