package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/escalator/internal/platform/timeouts"
	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, keyed by task id so every
// transition of a task lands on the same partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaPublisher builds a publisher for brokersCSV and topic.
func NewKafkaPublisher(brokersCSV, topic string) (*KafkaPublisher, error) {
	brokers := SplitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &KafkaPublisher{
		writer: &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireAll,
		},
		timeout: timeouts.EventPublish,
	}, nil
}

// Publish writes one event and waits for broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(event.TaskID),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kgo.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ Publisher = (*KafkaPublisher)(nil)
