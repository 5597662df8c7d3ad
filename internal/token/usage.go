package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// usageRecorder writes usage counters in the background. Validation only
// enqueues; when the queue is full the update is dropped.
type usageRecorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan usage
	wg     sync.WaitGroup
	warn   rate.Sometimes
}

type usage struct {
	id string
	at time.Time
}

func newUsageRecorder(store Store, logger *slog.Logger, buffer int) *usageRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	u := &usageRecorder{
		store:   store,
		logger:  logger,
		timeout: 2 * time.Second,
		queue:   make(chan usage, buffer),
		warn:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	u.wg.Add(1)
	go u.run()
	return u
}

func (u *usageRecorder) record(id string, at time.Time) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return
	}
	select {
	case u.queue <- usage{id: id, at: at}:
	default:
		u.warn.Do(func() {
			u.logger.Warn("token usage update dropped", slog.String("token_id", id))
		})
	}
}

func (u *usageRecorder) run() {
	defer u.wg.Done()
	for item := range u.queue {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		if err := u.store.RecordUsage(ctx, item.id, item.at); err != nil {
			u.warn.Do(func() {
				u.logger.Warn("token usage update failed", slog.String("token_id", item.id), slog.Any("error", err))
			})
		}
		cancel()
	}
}

// close stops accepting updates and waits for queued ones.
func (u *usageRecorder) close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	close(u.queue)
	u.mu.Unlock()
	u.wg.Wait()
}
