// Package cache provides authz.Cache implementations: an in-process LRU and
// a Valkey-backed cache shared between engine instances.
package cache

import (
	"context"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"authcore.org/internal/authz"
)

// LRU is a bounded in-process cache. A single epoch versions every entry:
// any invalidation retires all resolutions that were in flight.
type LRU struct {
	mu      sync.Mutex
	epoch   uint64
	entries *lru.Cache[string, authz.Entry]
}

var _ authz.Cache = (*LRU)(nil)

func NewLRU(size int) (*LRU, error) {
	c, err := lru.New[string, authz.Entry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{entries: c}, nil
}

func (c *LRU) Version(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strconv.FormatUint(c.epoch, 10), nil
}

func (c *LRU) Get(_ context.Context, userID string) (authz.Entry, bool, error) {
	e, ok := c.entries.Get(userID)
	return e, ok, nil
}

// Set stores e only if no invalidation happened since version was read.
func (c *LRU) Set(_ context.Context, userID, version string, e authz.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != strconv.FormatUint(c.epoch, 10) {
		return nil
	}
	c.entries.Add(userID, e)
	return nil
}

func (c *LRU) Invalidate(_ context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, id := range userIDs {
		c.entries.Remove(id)
	}
	return nil
}

func (c *LRU) InvalidateAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Purge()
	return nil
}

func (c *LRU) Len() int { return c.entries.Len() }
