// Package bunt is an embedded transactional backend on top of buntdb. It
// serves single-node deployments and tests; every write runs in buntdb's
// serialized write transaction, which gives the same atomicity the
// PostgreSQL backend gets from conditional updates and partial indexes.
package bunt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/buntdb"
)

type Store struct {
	db *buntdb.DB
}

// Open opens a database file, or an in-memory database for ":memory:".
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Len()
		return err
	})
}

func (s *Store) view(ctx context.Context, fn func(tx *buntdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(tx *buntdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// part escapes a free-form key component so it cannot contain the ':'
// separator.
func part(s string) string { return url.QueryEscape(s) }

func key(parts ...string) string {
	for i, p := range parts {
		parts[i] = part(p)
	}
	return strings.Join(parts, ":")
}

func load[T any](tx *buntdb.Tx, k string, notFound error) (T, error) {
	var v T
	raw, err := tx.Get(k)
	if errors.Is(err, buntdb.ErrNotFound) {
		return v, notFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", k, err)
	}
	return v, nil
}

func save(tx *buntdb.Tx, k string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(k, string(raw), nil)
	return err
}

func exists(tx *buntdb.Tx, k string) (string, bool, error) {
	v, err := tx.Get(k)
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", false, nil
	}
	return v, err == nil, err
}

func drop(tx *buntdb.Tx, k string) error {
	_, err := tx.Delete(k)
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// scan visits every key starting with prefix in key order. The callback
// must not modify the database.
func scan(tx *buntdb.Tx, prefix string, fn func(k, v string) error) error {
	var inner error
	err := tx.AscendGreaterOrEqual("", prefix, func(k, v string) bool {
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		if err := fn(k, v); err != nil {
			inner = err
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return inner
}
