package transport

import (
	"go.uber.org/zap"

	"github.com/luma/lodestar/dispatch"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. With port 0 a single listener is started on a
	// random port, see TCP.Addr.
	Port int

	// Reuseport sets SO_REUSEPORT so several listeners can share the port.
	// Without it only one listener is started.
	Reuseport bool

	// Trace logs every frame read and written. This is only useful in local
	// debugging
	Trace bool

	NumListeners int

	// WriteQueueSize is the number of frames that may wait to be written to
	// one connection
	WriteQueueSize int

	Dispatcher *dispatch.Dispatcher

	Log *zap.Logger
}
