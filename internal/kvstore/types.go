package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("kvstore closed")

// Config configures the key/value store.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory" (or empty): in-process store, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the minimal persistence API the queue engine builds on.
//
// Keys are composite paths built with Key(). List returns entries in
// ascending key order, which makes prefix scans deterministic.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is idempotent: deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Key joins path segments into a composite key.
func Key(segments ...string) string {
	return strings.Join(segments, "/")
}
