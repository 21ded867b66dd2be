// Package stream lets a connection treat one cached value as a byte stream.
//
// A connection locks a key and receives a handle. Every read, write, length
// and close must present that handle; any other handle, or the right handle
// from another connection, is refused with InvalidHandle. Locks live until
// they are closed or the owning connection goes away.
package stream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/lodestar/internal/ident"
	"github.com/luma/lodestar/protocol"
	"github.com/luma/lodestar/storage"
)

const DefaultMaxIO = 1 << 20

type Options struct {
	// MaxIO caps the bytes moved by a single read or write
	MaxIO int
}

type lease struct {
	handle string
	owner  string
}

type Manager struct {
	engine storage.Engine
	maxIO  int

	mu     sync.Mutex
	leases map[string]lease

	log *zap.Logger
}

func NewManager(engine storage.Engine, opts Options, log *zap.Logger) *Manager {
	maxIO := opts.MaxIO
	if maxIO <= 0 {
		maxIO = DefaultMaxIO
	}

	return &Manager{
		engine: engine,
		maxIO:  maxIO,
		leases: make(map[string]lease),
		log:    log,
	}
}

// Open locks key for owner and returns the handle. Opening a key the owner
// already holds returns the existing handle.
func (m *Manager) Open(ctx context.Context, owner, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[key]; ok {
		if l.owner == owner {
			return l.handle, nil
		}

		return "", protocol.NewError(protocol.KindOperationFailed,
			"stream %q is locked by another connection", key)
	}

	handle := ident.New()
	m.leases[key] = lease{handle: handle, owner: owner}

	m.log.Debug("Opened stream", zap.String("key", key), zap.String("owner", owner))
	return handle, nil
}

// Read returns up to length bytes from offset. No bytes means the end of the
// stream was reached. Reads larger than MaxIO are shortened.
func (m *Manager) Read(ctx context.Context, owner, key, handle string, offset int64, length int) ([]byte, error) {
	if err := m.validate(owner, key, handle); err != nil {
		return nil, err
	}

	if length > m.maxIO {
		length = m.maxIO
	}

	data, err := m.engine.ReadRange(ctx, key, offset, length)
	if err != nil {
		return nil, engineError(err)
	}

	return data, nil
}

// Write copies buf[srcOffset:srcOffset+length] into the value at dstOffset.
// With an empty handle the key is locked first and the new handle returned.
// dstOffset may pass the end of the value by at most MaxIO bytes.
func (m *Manager) Write(
	ctx context.Context,
	owner, key, handle string,
	srcOffset int,
	dstOffset int64,
	length int,
	buf []byte,
) (string, error) {
	if length > m.maxIO {
		return "", protocol.NewError(protocol.KindOperationFailed,
			"write of %d bytes exceeds the %d byte limit", length, m.maxIO)
	}

	if srcOffset < 0 || length < 0 || srcOffset > len(buf) || length > len(buf)-srcOffset {
		return "", protocol.NewError(protocol.KindOperationFailed,
			"source range of %d bytes at %d is outside the %d byte buffer", length, srcOffset, len(buf))
	}

	if dstOffset < 0 {
		return "", protocol.NewError(protocol.KindOperationFailed,
			"destination offset %d is negative", dstOffset)
	}

	acquired := false
	if handle == "" {
		var err error
		if handle, err = m.acquire(owner, key); err != nil {
			return "", err
		}
		acquired = true
	} else if err := m.validate(owner, key, handle); err != nil {
		return "", err
	}

	err := m.checkGap(ctx, key, dstOffset)
	if err == nil {
		err = m.engine.WriteRange(ctx, key, dstOffset, buf[srcOffset:srcOffset+length])
		if err != nil {
			err = engineError(err)
		}
	}

	if err != nil {
		if acquired {
			m.release(key, handle)
		}
		return "", err
	}

	return handle, nil
}

// checkGap refuses a write that would start more than MaxIO bytes past the
// current end of the value.
func (m *Manager) checkGap(ctx context.Context, key string, dstOffset int64) error {
	current, err := m.engine.Length(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return engineError(err)
	}

	if dstOffset-current > int64(m.maxIO) {
		return protocol.NewError(protocol.KindOperationFailed,
			"write at %d is more than %d bytes past the end of %q (%d bytes)", dstOffset, m.maxIO, key, current)
	}

	return nil
}

func (m *Manager) Length(ctx context.Context, owner, key, handle string) (int64, error) {
	if err := m.validate(owner, key, handle); err != nil {
		return 0, err
	}

	n, err := m.engine.Length(ctx, key)
	if err != nil {
		return 0, engineError(err)
	}

	return n, nil
}

// Close releases the lock. The handle is useless afterwards.
func (m *Manager) Close(ctx context.Context, owner, key, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateLocked(owner, key, handle); err != nil {
		return err
	}

	delete(m.leases, key)
	return nil
}

// ReleaseOwner drops every lock held by owner and returns how many there were.
func (m *Manager) ReleaseOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for key, l := range m.leases {
		if l.owner == owner {
			delete(m.leases, key)
			released++
		}
	}

	return released
}

// Count returns the number of open streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.leases)
}

func (m *Manager) acquire(owner, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[key]; ok {
		return "", protocol.NewError(protocol.KindInvalidHandle,
			"stream %q is locked, a handle is required", key)
	}

	handle := ident.New()
	m.leases[key] = lease{handle: handle, owner: owner}
	return handle, nil
}

func (m *Manager) release(key, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[key]; ok && l.handle == handle {
		delete(m.leases, key)
	}
}

func (m *Manager) validate(owner, key, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.validateLocked(owner, key, handle)
}

func (m *Manager) validateLocked(owner, key, handle string) error {
	l, ok := m.leases[key]
	if !ok || l.handle != handle || l.owner != owner {
		return protocol.NewError(protocol.KindInvalidHandle,
			"handle does not match the lock on stream %q", key)
	}

	return nil
}

func engineError(err error) error {
	return &protocol.Error{Kind: protocol.KindOperationFailed, Detail: err.Error()}
}
