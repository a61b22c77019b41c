package audit

import (
	"context"
	"time"
)

// Event is one security-relevant credential lifecycle record. TokenID names
// a ledger record; secrets never appear in events.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	IdentityID string            `json:"identity_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	TokenID    string            `json:"token_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Subject returns the identity the event concerns, falling back to the
// client IP for anonymous failures such as unknown logins.
func (e Event) Subject() string {
	if e.IdentityID != "" {
		return e.IdentityID
	}
	return e.IP
}

// Sink receives audit events. Emit is called from the dispatcher
// goroutine and must not retain Metadata.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s == nil {
			continue
		}
		s.Emit(ctx, event)
	}
}
