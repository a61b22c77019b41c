package audit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull counts and discards events when the buffer is full instead
	// of blocking the credential operation that produced them.
	DropIfFull bool
}

// Dispatcher moves events off the request path and into a Sink from one
// goroutine, preserving emission order. A nil *Dispatcher is valid and
// discards everything.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool

	// mu guards queue against a send racing with Close: senders hold the
	// read lock, Close takes the write lock before closing the channel.
	mu     sync.RWMutex
	queue  chan Event
	closed bool

	stopped   chan struct{}
	closeErr  error
	closeOnce sync.Once

	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// NewDispatcher starts a dispatcher, or returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan Event, max(cfg.BufferSize, 1)),
		stopped:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)

	ctx := context.Background()
	for event := range d.queue {
		d.sink.Emit(ctx, event)
		d.delivered.Add(1)
	}
}

// Emit queues event. With DropIfFull it never blocks; otherwise it waits
// for buffer space or ctx. Events emitted after Close are ignored.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops intake, waits until every queued event reached the sink and
// closes the sink when it implements io.Closer. It is idempotent.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}

	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		<-d.stopped
		if c, ok := d.sink.(io.Closer); ok {
			d.closeErr = c.Close()
		}
	})
	return d.closeErr
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered reports how many events reached the sink.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
