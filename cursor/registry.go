// Package cursor keeps the server side state of chunked readers.
//
// A reader is opened over a result set too large for one response. The client
// then asks for chunks, each time presenting the index the previous chunk
// returned. An index that does not match the one on record is refused with
// StaleCursor; the registry never tries to recover an older position.
package cursor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/lodestar/internal/ident"
	"github.com/luma/lodestar/protocol"
)

const (
	DefaultChunkSize     = 100
	DefaultMaxChunkBytes = 4 << 20
)

type Options struct {
	// ChunkSize is the most items returned by one chunk
	ChunkSize int

	// MaxChunkBytes stops a chunk early once its keys and values pass this
	// size. A chunk always holds at least one item.
	MaxChunkBytes int
}

// Info describes a freshly opened reader.
type Info struct {
	ReaderID  string
	Total     int
	NextIndex int

	// NodeAddress is the node holding the data, empty when the data is not
	// partitioned. Chunk requests must be sent to that node.
	NodeAddress string
}

type Chunk struct {
	ReaderID    string
	Items       []Item
	NextIndex   int
	Terminal    bool
	NodeAddress string
}

type cursor struct {
	mu sync.Mutex

	id       string
	owner    string
	affinity string
	src      Source

	next      int
	exhausted bool
}

type Registry struct {
	chunkSize     int
	maxChunkBytes int

	mu      sync.RWMutex
	cursors map[string]*cursor

	log *zap.Logger
}

func NewRegistry(opts Options, log *zap.Logger) *Registry {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}

	return &Registry{
		chunkSize:     opts.ChunkSize,
		maxChunkBytes: opts.MaxChunkBytes,
		cursors:       make(map[string]*cursor),
		log:           log,
	}
}

func (r *Registry) ChunkSize() int {
	return r.chunkSize
}

// Open registers a reader over src for owner. affinity names the node that
// holds the data, if it is partitioned.
func (r *Registry) Open(owner string, src Source, affinity string) Info {
	c := &cursor{
		id:       ident.New(),
		owner:    owner,
		affinity: affinity,
		src:      src,
	}

	r.mu.Lock()
	r.cursors[c.id] = c
	r.mu.Unlock()

	r.log.Debug("Opened reader",
		zap.String("reader", c.id),
		zap.String("owner", owner),
		zap.Int("total", src.Len()))

	return Info{
		ReaderID:    c.id,
		Total:       src.Len(),
		NodeAddress: affinity,
	}
}

// Affinity returns the node a reader is bound to.
func (r *Registry) Affinity(readerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cursors[readerID]
	if !ok {
		return "", false
	}

	return c.affinity, true
}

// Next returns the chunk starting at nextIndex, which must equal the index
// returned by the previous chunk (0 for the first).
//
// Once the final chunk has been returned the reader stays registered: asking
// again at the final index returns an empty terminal chunk.
func (r *Registry) Next(ctx context.Context, owner, readerID string, nextIndex int) (Chunk, error) {
	c, err := r.lookup(owner, readerID)
	if err != nil {
		return Chunk{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if nextIndex != c.next {
		return Chunk{}, protocol.NewError(protocol.KindStaleCursor,
			"reader %s is at index %d, not %d", readerID, c.next, nextIndex)
	}

	chunk := Chunk{
		ReaderID:    readerID,
		NextIndex:   c.next,
		NodeAddress: c.affinity,
	}

	if c.exhausted {
		chunk.Terminal = true
		return chunk, nil
	}

	total := c.src.Len()
	to := c.next + r.chunkSize
	if to > total {
		to = total
	}

	items, err := c.src.Slice(ctx, c.next, to)
	if err != nil {
		return Chunk{}, &protocol.Error{Kind: protocol.KindOperationFailed, Detail: err.Error()}
	}

	chunk.Items = r.bound(items)

	c.next += len(chunk.Items)
	c.exhausted = c.next >= total

	chunk.NextIndex = c.next
	chunk.Terminal = c.exhausted

	return chunk, nil
}

// Dispose releases a reader before it has been read to the end.
func (r *Registry) Dispose(owner, readerID string) error {
	if _, err := r.lookup(owner, readerID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cursors, readerID)
	r.mu.Unlock()

	return nil
}

// ReleaseOwner drops every reader opened by owner and returns how many there
// were.
func (r *Registry) ReleaseOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for id, c := range r.cursors {
		if c.owner == owner {
			delete(r.cursors, id)
			released++
		}
	}

	return released
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.cursors)
}

func (r *Registry) lookup(owner, readerID string) (*cursor, error) {
	r.mu.RLock()
	c, ok := r.cursors[readerID]
	r.mu.RUnlock()

	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "reader %s does not exist", readerID)
	}

	if c.owner != owner {
		return nil, protocol.NewError(protocol.KindInvalidHandle,
			"reader %s belongs to another connection", readerID)
	}

	return c, nil
}

// bound cuts items once they pass maxChunkBytes, keeping at least one.
func (r *Registry) bound(items []Item) []Item {
	size := 0
	for i, item := range items {
		size += len(item.Key) + len(item.Value)
		if size > r.maxChunkBytes && i > 0 {
			return items[:i]
		}
	}

	return items
}
