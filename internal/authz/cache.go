package authz

import (
	"context"
	"time"
)

// Entry is a cached resolution. It is only valid for instants in
// [ComputedAt, ValidUntil): before ComputedAt rows that have since expired
// may still have applied, and at ValidUntil the first row seen during
// resolution expires.
type Entry struct {
	Permissions []string   `json:"permissions"`
	Roles       []string   `json:"roles"`
	ComputedAt  time.Time  `json:"computed_at"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}

func (e Entry) ValidAt(asOf time.Time) bool {
	if asOf.Before(e.ComputedAt) {
		return false
	}
	return e.ValidUntil == nil || asOf.Before(*e.ValidUntil)
}

// Cache stores resolutions keyed by user id. Implementations must be safe
// for concurrent use. A miss is (Entry{}, false, nil).
//
// Writes are versioned: the resolver reads Version before it loads any rows
// and passes it back to Set. Invalidate and InvalidateAll advance the
// version atomically with the eviction, and an entry written under a
// version that has since advanced must never be returned by Get.
type Cache interface {
	Version(ctx context.Context, userID string) (string, error)
	Get(ctx context.Context, userID string) (Entry, bool, error)
	Set(ctx context.Context, userID, version string, e Entry) error
	Invalidate(ctx context.Context, userIDs ...string) error
	InvalidateAll(ctx context.Context) error
}

// Invalidator is what the mutating services need from the resolver.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...string) error
	InvalidateAll(ctx context.Context) error
}

// NoCache disables caching.
type NoCache struct{}

func (NoCache) Version(context.Context, string) (string, error)  { return "", nil }
func (NoCache) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (NoCache) Set(context.Context, string, string, Entry) error { return nil }
func (NoCache) Invalidate(context.Context, ...string) error      { return nil }
func (NoCache) InvalidateAll(context.Context) error              { return nil }
