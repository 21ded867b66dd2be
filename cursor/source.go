package cursor

import (
	"context"
	"errors"

	"github.com/luma/lodestar/storage"
)

type Item struct {
	Key   string
	Value []byte
}

// Source is a result set addressed by position. Slice returns exactly the
// items in [from, to).
type Source interface {
	Len() int
	Slice(ctx context.Context, from, to int) ([]Item, error)
}

// SliceSource serves items already held in memory.
type SliceSource []Item

func (s SliceSource) Len() int {
	return len(s)
}

func (s SliceSource) Slice(ctx context.Context, from, to int) ([]Item, error) {
	return s[from:to], nil
}

// EngineSource pages over a fixed list of keys, loading the values from the
// engine as each chunk is requested. Keys removed since the list was taken
// come back with a nil value so positions stay stable.
type EngineSource struct {
	Engine storage.Engine
	Keys   []string
}

func (e EngineSource) Len() int {
	return len(e.Keys)
}

func (e EngineSource) Slice(ctx context.Context, from, to int) ([]Item, error) {
	items := make([]Item, 0, to-from)

	for _, key := range e.Keys[from:to] {
		value, err := e.Engine.Get(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return nil, err
		}

		items = append(items, Item{Key: key, Value: value})
	}

	return items, nil
}
