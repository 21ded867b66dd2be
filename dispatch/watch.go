package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/luma/lodestar/protocol"
)

type watchKey struct {
	session  string
	callback string
}

type watcher struct {
	session *Session
	seq     uint64
}

// watchers fans key events out to the sessions that registered for them.
// Events are pushed once; a session that cannot take a frame misses it.
type watchers struct {
	mu   sync.Mutex
	keys map[string]map[watchKey]*watcher

	log *zap.Logger
}

func newWatchers(log *zap.Logger) *watchers {
	return &watchers{
		keys: make(map[string]map[watchKey]*watcher),
		log:  log,
	}
}

// add subscribes (session, callback) to key. Registering again keeps the
// sequence so clients can keep dropping repeats.
func (w *watchers) add(key string, s *Session, callback string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs, ok := w.keys[key]
	if !ok {
		subs = make(map[watchKey]*watcher)
		w.keys[key] = subs
	}

	id := watchKey{session: s.ID, callback: callback}
	if existing, ok := subs[id]; ok {
		existing.session = s
		return
	}

	subs[id] = &watcher{session: s}
}

func (w *watchers) remove(key, sessionID, callback string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs, ok := w.keys[key]
	if !ok {
		return false
	}

	id := watchKey{session: sessionID, callback: callback}
	if _, ok := subs[id]; !ok {
		return false
	}

	delete(subs, id)
	if len(subs) == 0 {
		delete(w.keys, key)
	}

	return true
}

// notify pushes event to everyone watching one of keys.
func (w *watchers) notify(event string, keys ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, key := range keys {
		w.notifyLocked(key, event)
	}
}

// notifyAll pushes event for every watched key.
func (w *watchers) notifyAll(event string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key := range w.keys {
		w.notifyLocked(key, event)
	}
}

func (w *watchers) notifyLocked(key, event string) {
	for id, sub := range w.keys[key] {
		sub.seq++

		err := sub.session.Notify(protocol.Notification{
			Key:        key,
			Event:      event,
			CallbackID: id.callback,
			ClientID:   id.session,
			Sequence:   sub.seq,
		})
		if err != nil {
			w.log.Warn("Could not deliver key notification",
				zap.String("key", key),
				zap.String("session", id.session),
				zap.Error(err))
		}
	}
}

// release drops every subscription of a session and returns how many there
// were.
func (w *watchers) release(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	released := 0
	for key, subs := range w.keys {
		for id := range subs {
			if id.session == sessionID {
				delete(subs, id)
				released++
			}
		}

		if len(subs) == 0 {
			delete(w.keys, key)
		}
	}

	return released
}

func (w *watchers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, subs := range w.keys {
		n += len(subs)
	}
	return n
}
