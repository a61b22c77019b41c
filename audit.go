package credledger

import (
	"io"

	internalaudit "github.com/MrEthical07/credledger/internal/audit"
)

// AuditEvent is one credential lifecycle record. Events carry token IDs,
// never secrets.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

type (
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	KafkaSink      = internalaudit.KafkaSink
	MultiSink      = internalaudit.MultiSink
)

// NewChannelSink returns a sink that buffers events on a channel.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewKafkaSink returns a sink publishing events to topic, keyed by
// identity ID.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return internalaudit.NewKafkaSink(brokers, topic)
}
