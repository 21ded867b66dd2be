// Package client is a Go client for the Lodestar protocol.
package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luma/lodestar/protocol"
)

const NotificationBufferSize = 255

var ErrDisconnected = errors.New("client is disconnected")

type pending struct {
	ch   chan *protocol.Response
	done chan struct{}
}

type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn       net.Conn
	readWaiter sync.WaitGroup

	notifications chan protocol.Notification

	respMu    sync.RWMutex
	respChans map[protocol.RequestID]*pending

	idMu      sync.Mutex
	requestId uint32

	// viewID is sent with every request, 0 until SetView is called
	viewID atomic.Int64

	log *zap.Logger
}

func New(log *zap.Logger) *Conn {
	return &Conn{
		log:           log,
		notifications: make(chan protocol.Notification, NotificationBufferSize),
		respChans:     make(map[protocol.RequestID]*pending),
	}
}

func (c *Conn) Connect(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.readWaiter.Add(1)
	go func() {
		defer c.readWaiter.Done()
		c.readLoop()
	}()

	return nil
}

// Disconnect closes the connection and waits for the read loop to exit.
func (c *Conn) Disconnect() error {
	if c.cancel == nil {
		return nil
	}

	c.cancel()
	err := c.conn.Close()
	c.readWaiter.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Notifications delivers the task notifications pushed by the server. When
// the buffer is full further notifications are dropped; the server sends
// them again on the next task transition.
func (c *Conn) Notifications() <-chan protocol.Notification {
	return c.notifications
}

// SetView sets the view id sent with every request.
func (c *Conn) SetView(viewID int64) {
	c.viewID.Store(viewID)
}

// Do sends a request and collects every packet of the reply. If the reply is
// an error it is returned as a *protocol.Error.
func (c *Conn) Do(ctx context.Context, cmd protocol.Command, args *protocol.Payload) ([]*protocol.Response, error) {
	if c.ctx == nil || c.ctx.Err() != nil {
		return nil, ErrDisconnected
	}

	if viewID := c.viewID.Load(); viewID != 0 {
		if args == nil {
			args = protocol.NewPayload()
		}
		args.Set("view", viewID)
	}

	reqID, p := c.createResponseChan()
	defer c.destroyResponseChan(reqID)

	if err := protocol.WriteRequest(c.conn, reqID, cmd, args); err != nil {
		return nil, err
	}

	resps := make([]*protocol.Response, 0, 1)
	for {
		select {
		case resp := <-p.ch:
			resps = append(resps, resp)

			if resp.Terminal {
				return resps, resp.ErrorOrNil()
			}

		case <-c.ctx.Done():
			// the reply may have arrived just before the server hung up
			select {
			case resp := <-p.ch:
				resps = append(resps, resp)
				if resp.Terminal {
					return resps, resp.ErrorOrNil()
				}
			default:
			}

			return resps, ErrDisconnected

		case <-ctx.Done():
			return resps, ctx.Err()
		}
	}
}

// One is Do for commands answered by a single packet.
func (c *Conn) One(ctx context.Context, cmd protocol.Command, args *protocol.Payload) (*protocol.Response, error) {
	resps, err := c.Do(ctx, cmd, args)
	if err != nil {
		return nil, err
	}

	return resps[len(resps)-1], nil
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")
	r := bufio.NewReader(c.conn)

	for {
		resp, err := protocol.ReadResponse(r)
		if err != nil {
			if c.ctx.Err() == nil {
				log.Warn("Failed to read server response", zap.Error(err))
				c.cancel()
			}
			return
		}

		if resp.Type == protocol.RespNotify {
			select {
			case c.notifications <- protocol.DecodeNotification(resp.Data):
			default:
				log.Warn("Dropped notification, nobody is reading them")
			}
			continue
		}

		// Handle responses to our requests
		c.sendToResponseChan(resp.RequestID, resp)
	}
}

func (c *Conn) createResponseChan() (protocol.RequestID, *pending) {
	reqID := c.getNextRequestID()
	p := &pending{
		ch:   make(chan *protocol.Response, 1),
		done: make(chan struct{}),
	}

	c.respMu.Lock()
	c.respChans[reqID] = p
	c.respMu.Unlock()

	return reqID, p
}

func (c *Conn) sendToResponseChan(reqID protocol.RequestID, resp *protocol.Response) {
	c.respMu.RLock()
	p, ok := c.respChans[reqID]
	c.respMu.RUnlock()

	if !ok {
		return
	}

	select {
	case p.ch <- resp:
	case <-p.done:
	case <-c.ctx.Done():
	}
}

func (c *Conn) destroyResponseChan(reqID protocol.RequestID) {
	c.respMu.Lock()
	p, ok := c.respChans[reqID]
	if ok {
		close(p.done)
		delete(c.respChans, reqID)
	}
	c.respMu.Unlock()
}

func (c *Conn) getNextRequestID() protocol.RequestID {
	var reqID protocol.RequestID

	c.idMu.Lock()
	defer c.idMu.Unlock()

	for {
		if c.requestId < math.MaxUint32 {
			c.requestId += 1
		} else {
			// Wrap around instead of overflowing
			c.requestId = 0
		}

		binary.LittleEndian.PutUint32(reqID[:], c.requestId)
		if !reqID.Reserved() {
			return reqID
		}
	}
}
