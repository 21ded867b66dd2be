package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/lodestar/dispatch"
	"github.com/luma/lodestar/protocol"
)

const DefaultWriteQueueSize = 127

var ErrWriteQueueFull = errors.New("connection write queue is full")

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr           string
	reuseport      bool
	trace          bool
	writeQueueSize int

	numListeners int
	listeners    []*TCPListener

	dispatcher *dispatch.Dispatcher

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners
	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if !options.Reuseport || options.Port == 0 {
		numListeners = 1
	}

	writeQueueSize := options.WriteQueueSize
	if writeQueueSize < 1 {
		writeQueueSize = DefaultWriteQueueSize
	}

	return &TCP{
		addr:           net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:      options.Reuseport,
		trace:          options.Trace,
		writeQueueSize: writeQueueSize,
		numListeners:   numListeners,
		listeners:      make([]*TCPListener, 0, numListeners),
		dispatcher:     options.Dispatcher,
		log:            options.Log,
	}
}

// Start binds every listener and begins accepting connections. It returns
// once the listeners are bound.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	var err error
	for i := 0; i < w.numListeners; i++ {
		if lerr := w.startListener(ctx); lerr != nil {
			// Fewer listeners than asked for still serve clients
			w.log.Error("Failed to listen", zap.Int("listener", i), zap.Error(lerr))
			err = multierr.Append(err, lerr)
		}
	}

	if len(w.listeners) == 0 {
		cancel()
		return err
	}

	return nil
}

// Addr is the address the first listener is bound to.
func (w *TCP) Addr() net.Addr {
	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].listener.Addr()
}

func (w *TCP) startListener(ctx context.Context) error {
	var (
		listener net.Listener
		err      error
	)

	if w.reuseport {
		listener, err = reuseport.Listen("tcp", w.addr)
	} else {
		listener, err = net.Listen("tcp", w.addr)
	}

	if err != nil {
		return err
	}

	l := &TCPListener{
		ctx:            ctx,
		listener:       listener,
		activeConns:    make(map[*TCPConn]struct{}),
		dispatcher:     w.dispatcher,
		trace:          w.trace,
		writeQueueSize: w.writeQueueSize,
		log:            w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	}

	w.listeners = append(w.listeners, l)
	w.stopWaiter.Add(1)

	go func() {
		defer w.stopWaiter.Done()

		if err := l.Serve(); err != nil {
			w.log.Error("Listener stopped accepting connections", zap.Error(err))
		}
	}()

	return nil
}

// Close immediately closes all listeners and connections.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	var err error
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	w.stopWaiter.Wait()
	w.log.Info("TCP server stopped")

	return err
}

type TCPListener struct {
	ctx      context.Context
	listener net.Listener

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}
	connWaiter  sync.WaitGroup

	dispatcher     *dispatch.Dispatcher
	trace          bool
	writeQueueSize int

	log *zap.Logger
}

func (t *TCPListener) Close() error {
	err := t.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	return err
}

// Serve accepts connections until the listener is closed, then waits for
// their read/write loops to finish.
func (t *TCPListener) Serve() error {
	defer func() {
		t.log.Info("Waiting for Read/Write loops to stop")
		t.connWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			// TODO(rolly) can we recover from some classes of err?
			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.dispatcher, t.writeQueueSize, t.trace, t.log.Named("conn"))
		t.addConn(tcpConn)
		t.connWaiter.Add(1)

		go func() {
			defer t.connWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

// TCPConn serves one client. Requests are read and dispatched one at a time
// so replies leave in request order; a separate loop writes them, together
// with any task notifications, to the socket.
type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn    net.Conn
	session *dispatch.Session

	dispatcher *dispatch.Dispatcher

	writeQueue chan []byte

	// readDone is closed when the read loop exits, the write loop then
	// drains what is queued and stops
	readDone chan struct{}

	trace bool
	log   *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	dispatcher *dispatch.Dispatcher,
	writeQueueSize int,
	trace bool,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	t := &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		dispatcher: dispatcher,
		writeQueue: make(chan []byte, writeQueueSize),
		readDone:   make(chan struct{}),
		trace:      trace,
	}

	t.session = dispatch.NewSession(conn.RemoteAddr().String(), t.push)
	t.log = log.With(zap.String("session", t.session.ID), zap.String("addr", t.session.Addr))

	return t
}

// Close stops both loops and closes the socket.
func (t *TCPConn) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})

	return err
}

// Start runs the read and write loops and blocks until both exit. Everything
// the session owns is released before it returns.
func (t *TCPConn) Start() {
	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		defer close(t.readDone)
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()

	t.Close()
	t.dispatcher.Release(t.session)
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")
	r := bufio.NewReader(t.conn)

	for {
		req, err := protocol.ReadRequest(r)
		if err != nil {
			var parseErr *protocol.ParseError
			if !errors.As(err, &parseErr) {
				if !errors.Is(err, io.EOF) && t.isRunning() && !isClosedConnError(err) {
					log.Warn("Failed to read client request", zap.Error(err))
				}
				return
			}

			log.Debug("Failed to parse client request", zap.Error(err))
		} else if t.trace {
			log.Debug("Read request",
				zap.String("id", req.GetRequestID().String()),
				zap.String("command", string(req.GetCommand())))
		}

		resps := t.dispatcher.Dispatch(t.ctx, t.session, req, err)
		for _, resp := range resps {
			frame, err := protocol.Encode(resp)
			if err != nil {
				log.Error("Failed to encode response", zap.Error(err))
				frame = protocol.EncodeError(resp.RequestID, resp.Command, err)
			}

			if !t.enqueue(frame) {
				return
			}
		}

		if req != nil && req.GetCommand() == protocol.QUIT {
			log.Info("Client QUIT, exiting...")
			return
		}
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	for {
		select {
		case <-t.ctx.Done():
			return

		case <-t.readDone:
			t.drain(log)
			return

		case data := <-t.writeQueue:
			if !t.write(data, log) {
				return
			}
		}
	}
}

// drain writes whatever is still queued once no more replies can be added.
func (t *TCPConn) drain(log *zap.Logger) {
	for {
		select {
		case data := <-t.writeQueue:
			if !t.write(data, log) {
				return
			}

		default:
			return
		}
	}
}

func (t *TCPConn) write(data []byte, log *zap.Logger) bool {
	if t.trace {
		log.Debug("Writing frame", zap.ByteString("data", data))
	}

	if _, err := t.conn.Write(data); err != nil {
		if t.isRunning() && !isClosedConnError(err) {
			log.Warn("Failed to write to connection", zap.Error(err))
		}
		return false
	}

	return true
}

// enqueue blocks until the reply is queued or the connection closes.
func (t *TCPConn) enqueue(frame []byte) bool {
	select {
	case t.writeQueue <- frame:
		return true

	case <-t.ctx.Done():
		return false
	}
}

// push queues a notification without blocking. Task notifications are
// delivered again later when the queue is full.
func (t *TCPConn) push(frame []byte) error {
	if !t.isRunning() {
		return dispatch.ErrSessionClosed
	}

	select {
	case t.writeQueue <- frame:
		return nil

	default:
		return ErrWriteQueueFull
	}
}

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		// if we can read on this channel then it's been closed
		return false

	default:
		return true
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "broken pipe")
}
