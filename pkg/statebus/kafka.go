package statebus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig wires a publisher or consumer to the notification topic.
// GroupID is consumer-only; the gateway gives every replica its own group so
// each instance sees the whole event stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (cfg KafkaConfig) brokerList() ([]string, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return brokers, nil
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads peer-replica notification events.
type KafkaConsumer struct {
	reader kafkaReader
}

// Consumer tuning. Short MaxWait keeps approval notifications snappy; the
// payloads are tiny so MinBytes stays at 1.
const (
	consumerMaxBytes       = 10e6
	consumerMaxWait        = 500 * time.Millisecond
	consumerCommitInterval = time.Second
)

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers, err := cfg.brokerList()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       consumerMaxBytes,
			CommitInterval: consumerCommitInterval,
			MaxWait:        consumerMaxWait,
		}),
	}, nil
}

// ReadMessage blocks for the next peer event, or until ctx is done. Offsets
// commit asynchronously on the CommitInterval.
func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

// Close is a no-op on a nil or unconfigured consumer so shutdown paths need
// no guard.
func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
