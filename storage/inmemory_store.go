package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	cbor "github.com/fxamacker/cbor/v2"
	"golang.org/x/exp/slices"
)

const (
	DefaultShards      = 16
	DefaultMaxWriteGap = 16 << 20
)

type InmemoryOptions struct {
	// Shards is rounded up to a power of two
	Shards int

	// MaxBytes caps the summed size of all values, 0 disables the cap
	MaxBytes int64

	// MaxWriteGap caps how far past the end of a value WriteRange may start
	MaxWriteGap int64
}

type shard struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// InmemoryStore keeps values in a fixed set of shards picked by key hash.
type InmemoryStore struct {
	shards    []*shard
	shardMask uint64

	maxBytes    int64
	maxWriteGap int64
	bytes       atomic.Int64

	// stop will be closed when Close() is called
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInmemoryStore(opts InmemoryOptions) *InmemoryStore {
	n := 1
	for n < opts.Shards {
		n <<= 1
	}

	if opts.Shards <= 0 {
		n = DefaultShards
	}

	maxWriteGap := opts.MaxWriteGap
	if maxWriteGap <= 0 {
		maxWriteGap = DefaultMaxWriteGap
	}

	i := &InmemoryStore{
		shards:      make([]*shard, n),
		shardMask:   uint64(n - 1),
		maxBytes:    opts.MaxBytes,
		maxWriteGap: maxWriteGap,
		stop:        make(chan struct{}),
	}

	for s := range i.shards {
		i.shards[s] = &shard{values: make(map[string][]byte)}
	}

	return i
}

func (i *InmemoryStore) Close() error {
	i.stopOnce.Do(func() { close(i.stop) })
	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !i.isRunning() {
		return nil, ErrClosed
	}

	s := i.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	return append([]byte(nil), value...), nil
}

func (i *InmemoryStore) Insert(ctx context.Context, key string, value []byte) error {
	return i.put(key, value, false)
}

func (i *InmemoryStore) Add(ctx context.Context, key string, value []byte) error {
	return i.put(key, value, true)
}

func (i *InmemoryStore) put(key string, value []byte, mustNotExist bool) error {
	if !i.isRunning() {
		return ErrClosed
	}

	s := i.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.values[key]
	if exists && mustNotExist {
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}

	if err := i.reserve(int64(len(value) - len(old))); err != nil {
		return err
	}

	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (i *InmemoryStore) Remove(ctx context.Context, key string) error {
	if !i.isRunning() {
		return ErrClosed
	}

	s := i.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.values[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	delete(s.values, key)
	i.bytes.Add(-int64(len(old)))
	return nil
}

func (i *InmemoryStore) Contains(ctx context.Context, key string) (bool, error) {
	if !i.isRunning() {
		return false, ErrClosed
	}

	s := i.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.values[key]
	return ok, nil
}

func (i *InmemoryStore) Count(ctx context.Context) (int64, error) {
	if !i.isRunning() {
		return 0, ErrClosed
	}

	var n int64
	for _, s := range i.shards {
		s.mu.RLock()
		n += int64(len(s.values))
		s.mu.RUnlock()
	}

	return n, nil
}

func (i *InmemoryStore) Clear(ctx context.Context) error {
	if !i.isRunning() {
		return ErrClosed
	}

	// bytes are given back per shard, under that shard's lock
	for _, s := range i.shards {
		s.mu.Lock()
		var freed int64
		for _, value := range s.values {
			freed += int64(len(value))
		}
		s.values = make(map[string][]byte)
		i.bytes.Add(-freed)
		s.mu.Unlock()
	}

	return nil
}

func (i *InmemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !i.isRunning() {
		return nil, ErrClosed
	}

	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	keys := make([]string, 0)
	for _, s := range i.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.RLock()
		for key := range s.values {
			if pattern == "" {
				keys = append(keys, key)
				continue
			}

			if ok, _ := path.Match(pattern, key); ok {
				keys = append(keys, key)
			}
		}
		s.mu.RUnlock()
	}

	slices.Sort(keys)
	return keys, nil
}

func (i *InmemoryStore) ReadRange(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	if !i.isRunning() {
		return nil, ErrClosed
	}

	s := i.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	if offset >= int64(len(value)) || length <= 0 {
		return []byte{}, nil
	}

	end := offset + int64(length)
	if end > int64(len(value)) {
		end = int64(len(value))
	}

	return append([]byte(nil), value[offset:end]...), nil
}

func (i *InmemoryStore) WriteRange(ctx context.Context, key string, offset int64, data []byte) error {
	if !i.isRunning() {
		return ErrClosed
	}

	s := i.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.values[key]
	if offset < 0 || offset-int64(len(old)) > i.maxWriteGap {
		return fmt.Errorf("%w: offset %d, length %d", ErrWriteGap, offset, len(old))
	}

	size := int64(len(old))
	if end := offset + int64(len(data)); end > size {
		size = end
	}

	if err := i.reserve(size - int64(len(old))); err != nil {
		return err
	}

	value := make([]byte, size)
	copy(value, old)
	copy(value[offset:], data)
	s.values[key] = value

	return nil
}

func (i *InmemoryStore) Length(ctx context.Context, key string) (int64, error) {
	if !i.isRunning() {
		return 0, ErrClosed
	}

	s := i.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	return int64(len(value)), nil
}

// Bytes returns the summed size of every stored value.
func (i *InmemoryStore) Bytes() int64 {
	return i.bytes.Load()
}

// Backup writes every entry to w as a CBOR map.
func (i *InmemoryStore) Backup(w io.Writer) error {
	snapshot := make(map[string][]byte)

	for _, s := range i.shards {
		s.mu.RLock()
		for key, value := range s.values {
			snapshot[key] = value
		}
		s.mu.RUnlock()
	}

	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}

	return em.NewEncoder(w).Encode(snapshot)
}

// Restore replaces the contents of the store with a snapshot written by
// Backup.
func (i *InmemoryStore) Restore(r io.Reader) error {
	snapshot := make(map[string][]byte)
	if err := cbor.NewDecoder(r).Decode(&snapshot); err != nil {
		return fmt.Errorf("Failed to decode snapshot: %w", err)
	}

	if err := i.Clear(context.Background()); err != nil {
		return err
	}

	for key, value := range snapshot {
		if err := i.put(key, value, false); err != nil {
			return err
		}
	}

	return nil
}

// reserve accounts for delta more bytes, refusing when that would pass
// MaxBytes. Callers hold the lock of the shard being written.
func (i *InmemoryStore) reserve(delta int64) error {
	total := i.bytes.Add(delta)
	if i.maxBytes > 0 && delta > 0 && total > i.maxBytes {
		i.bytes.Add(-delta)
		return ErrCapacity
	}

	return nil
}

func (i *InmemoryStore) shardFor(key string) *shard {
	return i.shards[xxhash.Sum64String(key)&i.shardMask]
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Engine = (*InmemoryStore)(nil)
