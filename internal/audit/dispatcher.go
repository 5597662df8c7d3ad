package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"authcore.org/internal/obs"
)

// Dispatcher delivers events to a Sink from a background worker so that a
// slow or failing sink never blocks or fails the operation being audited.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	sync    bool

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	wg     sync.WaitGroup

	dropped atomic.Uint64
	failed  atomic.Uint64
	warn    rate.Sometimes
}

type queued struct {
	ctx context.Context
	ev  Event
}

type Option func(*Dispatcher)

// WithBuffer sets the queue length. Events arriving while it is full are dropped.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan queued, n)
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithWriteTimeout bounds a single sink write.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// Synchronous makes Record write inline. Failures are still only logged.
func Synchronous() Option {
	return func(d *Dispatcher) { d.sync = true }
}

func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		timeout: 5 * time.Second,
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = obs.Resolve(d.logger)
	if d.sync {
		return d
	}
	if d.queue == nil {
		d.queue = make(chan queued, 1024)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Record(ctx context.Context, ev Event) {
	if ev == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Delivery outlives the request; keep its values, drop its deadline.
	ctx = context.WithoutCancel(ctx)
	if d.sync {
		d.deliver(ctx, ev)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev, "closed")
		return
	}
	select {
	case d.queue <- queued{ctx: ctx, ev: ev}:
	default:
		d.drop(ev, "queue_full")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for q := range d.queue {
		d.deliver(q.ctx, q.ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Write(ctx, ev); err != nil {
		d.failed.Add(1)
		obs.ObserveAudit("error")
		d.warn.Do(func() {
			d.logger.Warn("audit sink write failed",
				slog.String("event", Name(ev)),
				slog.String("event_id", ev.Header().ID),
				slog.Any("error", err))
		})
		return
	}
	obs.ObserveAudit("ok")
}

func (d *Dispatcher) drop(ev Event, reason string) {
	d.dropped.Add(1)
	obs.ObserveAudit("dropped")
	d.warn.Do(func() {
		d.logger.Warn("audit event dropped",
			slog.String("event", Name(ev)),
			slog.String("reason", reason))
	})
}

// Close stops accepting events and waits for queued ones to be written.
func (d *Dispatcher) Close() {
	if d.sync {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped reports events discarded because the queue was full or closed.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed reports events the sink rejected.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }
