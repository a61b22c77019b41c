package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by identity ID, so one
// identity's events stay ordered within a partition.
type KafkaSink struct {
	writer  Writer
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaSink returns a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	})
}

// NewKafkaSinkWithWriter allows injecting a writer.
func NewKafkaSinkWithWriter(w Writer) *KafkaSink {
	return &KafkaSink{
		writer:  w,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for delivery failures.
func (s *KafkaSink) WithLogger(logger *slog.Logger) *KafkaSink {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *KafkaSink) Emit(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("audit: marshal event", "event_type", event.EventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.Subject()),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("audit: kafka write", "event_type", event.EventType, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
