package dispatch

import (
	"errors"

	"github.com/luma/lodestar/internal/ident"
	"github.com/luma/lodestar/protocol"
)

var ErrSessionClosed = errors.New("session is closed")

// Session is the server side state of one client connection. Its ID is the
// owner of every stream lock, reader and task subscription the connection
// creates, and the client id reported in task notifications.
type Session struct {
	ID   string
	Addr string

	push func(frame []byte) error
}

// NewSession creates a session for a client at addr. push queues a frame for
// the connection and must not block; it may be nil for sessions that cannot
// receive notifications.
func NewSession(addr string, push func(frame []byte) error) *Session {
	return &Session{
		ID:   ident.New(),
		Addr: addr,
		push: push,
	}
}

// Notify queues a task or key notification for the connection.
func (s *Session) Notify(n protocol.Notification) error {
	if s.push == nil {
		return ErrSessionClosed
	}

	frame, err := protocol.EncodeNotification(n)
	if err != nil {
		return err
	}

	return s.push(frame)
}
