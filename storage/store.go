package storage

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
	ErrCapacity    = errors.New("cache capacity exceeded")
	ErrClosed      = errors.New("engine is closed")
	ErrWriteGap    = errors.New("write offset is too far past the end of the value")
)

// Engine is the cache service the protocol layer talks to. It is the only
// view of the cache the handlers get.
type Engine interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// Insert creates or overwrites key
	Insert(ctx context.Context, key string, value []byte) error

	// Add creates key, failing with ErrKeyExists if it is present
	Add(ctx context.Context, key string, value []byte) error

	Remove(ctx context.Context, key string) error
	Contains(ctx context.Context, key string) (bool, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error

	// Keys returns the keys matching a glob pattern, sorted. An empty
	// pattern matches every key.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// ReadRange returns up to length bytes of the value starting at offset.
	// Reading at or past the end returns no bytes.
	ReadRange(ctx context.Context, key string, offset int64, length int) ([]byte, error)

	// WriteRange writes data into the value at offset, creating the key and
	// zero filling any gap. It applies completely or not at all. Offsets that
	// would leave a gap wider than the engine allows fail with ErrWriteGap.
	WriteRange(ctx context.Context, key string, offset int64, data []byte) error

	Length(ctx context.Context, key string) (int64, error)

	Close() error
}
