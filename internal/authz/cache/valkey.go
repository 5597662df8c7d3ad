package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"authcore.org/internal/authz"
)

// Valkey stores resolutions in Valkey so that every engine instance sees
// the same invalidations. Entry keys embed two counters: a global
// generation that InvalidateAll bumps and a per-user version that
// Invalidate bumps. A bump orphans every entry written under the old value
// until its TTL removes it, including a write from a resolution that read
// the old value before the bump.
type Valkey struct {
	client valkey.Client
	prefix string
	ttl    time.Duration
}

var _ authz.Cache = (*Valkey)(nil)

// NewValkey connects to addrs. prefix namespaces keys, e.g. "authcore:perm:".
func NewValkey(addrs []string, prefix string, ttl time.Duration) (*Valkey, error) {
	if len(addrs) == 0 {
		return nil, errors.New("valkey address is required")
	}
	cli, err := valkey.NewClient(valkey.ClientOption{InitAddress: addrs})
	if err != nil {
		return nil, fmt.Errorf("connect valkey: %w", err)
	}
	return NewValkeyWithClient(cli, prefix, ttl), nil
}

func NewValkeyWithClient(client valkey.Client, prefix string, ttl time.Duration) *Valkey {
	if prefix == "" {
		prefix = "authcore:perm:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Valkey{client: client, prefix: prefix, ttl: ttl}
}

func (c *Valkey) Close() { c.client.Close() }

func (c *Valkey) genKey() string { return c.prefix + "gen" }

func (c *Valkey) versionKey(userID string) string { return c.prefix + "ver:" + userID }

func (c *Valkey) entryKey(version, userID string) string {
	return c.prefix + "e:" + version + ":" + userID
}

// Version returns "<generation>.<user version>".
func (c *Valkey) Version(ctx context.Context, userID string) (string, error) {
	resp := c.client.DoMulti(ctx,
		c.client.B().Get().Key(c.genKey()).Build(),
		c.client.B().Get().Key(c.versionKey(userID)).Build())
	var parts [2]int64
	for i, r := range resp {
		n, err := r.AsInt64()
		if err != nil && !valkey.IsValkeyNil(err) {
			return "", err
		}
		parts[i] = n
	}
	return strconv.FormatInt(parts[0], 10) + "." + strconv.FormatInt(parts[1], 10), nil
}

func (c *Valkey) Get(ctx context.Context, userID string) (authz.Entry, bool, error) {
	version, err := c.Version(ctx, userID)
	if err != nil {
		return authz.Entry{}, false, err
	}
	raw, err := c.client.Do(ctx, c.client.B().Get().Key(c.entryKey(version, userID)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return authz.Entry{}, false, nil
	}
	if err != nil {
		return authz.Entry{}, false, err
	}
	var e authz.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return authz.Entry{}, false, fmt.Errorf("decode cached resolution: %w", err)
	}
	return e, true, nil
}

// Set writes under the key derived from version. If the version has
// advanced the write lands on a key Get no longer reads.
func (c *Valkey) Set(ctx context.Context, userID, version string, e authz.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	cmd := c.client.B().Set().Key(c.entryKey(version, userID)).Value(string(raw)).Ex(c.ttl).Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *Valkey) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	cmds := make(valkey.Commands, 0, len(userIDs))
	for _, id := range userIDs {
		cmds = append(cmds, c.client.B().Incr().Key(c.versionKey(id)).Build())
	}
	for _, r := range c.client.DoMulti(ctx, cmds...) {
		if err := r.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Valkey) InvalidateAll(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Incr().Key(c.genKey()).Build()).Error()
}
