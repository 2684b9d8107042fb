package statebus

import "context"

// Message is one notification event off the bus.
type Message struct {
	Value []byte
}

// Consumer is the read side used by the gateway's peer-event bridge.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
