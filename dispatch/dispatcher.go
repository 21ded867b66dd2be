// Package dispatch routes parsed requests to their handlers and turns every
// outcome into response packets.
//
// Every request that reaches Dispatch gets at least one packet back, except a
// parse failure the client cannot be waiting on (see protocol.ParseError's
// ExpectsReply). Handler failures, including panics, leave Dispatch as a
// single error packet.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lodestar/bulk"
	"github.com/luma/lodestar/cluster"
	"github.com/luma/lodestar/cursor"
	"github.com/luma/lodestar/protocol"
	"github.com/luma/lodestar/storage"
	"github.com/luma/lodestar/stream"
	"github.com/luma/lodestar/task"
)

const DefaultRequestTimeout = 3 * time.Second

type Options struct {
	Engine   storage.Engine
	Topology *cluster.Topology
	Streams  *stream.Manager
	Readers  *cursor.Registry
	Tasks    *task.Registry
	Executor *task.Executor
	Bulk     *bulk.Aggregator

	// RequestTimeout bounds the time a single request may spend in the engine
	RequestTimeout time.Duration

	Log *zap.Logger
}

type handlerFunc func(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error)

// Stats is a point in time summary of the dispatcher state.
type Stats struct {
	ViewID   int64  `json:"viewId"`
	Streams  int    `json:"streams"`
	Readers  int    `json:"readers"`
	Tasks    int    `json:"tasks"`
	Watchers int    `json:"watchers"`
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
}

type Dispatcher struct {
	engine   storage.Engine
	topology *cluster.Topology
	streams  *stream.Manager
	readers  *cursor.Registry
	tasks    *task.Registry
	executor *task.Executor
	bulk     *bulk.Aggregator
	watchers *watchers

	timeout  time.Duration
	handlers map[protocol.Command]handlerFunc

	requests atomic.Uint64
	errors   atomic.Uint64

	log *zap.Logger
}

func New(opts Options) *Dispatcher {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	d := &Dispatcher{
		engine:   opts.Engine,
		topology: opts.Topology,
		streams:  opts.Streams,
		readers:  opts.Readers,
		tasks:    opts.Tasks,
		executor: opts.Executor,
		bulk:     opts.Bulk,
		watchers: newWatchers(opts.Log),
		timeout:  timeout,
		log:      opts.Log,
	}

	d.handlers = map[protocol.Command]handlerFunc{
		protocol.QUIT: d.handleQuit,
		protocol.PING: d.handlePing,
		protocol.VIEW: d.handleView,

		protocol.GET:      d.handleGet,
		protocol.SET:      d.handleSet,
		protocol.ADD:      d.handleAdd,
		protocol.REMOVE:   d.handleRemove,
		protocol.CONTAINS: d.handleContains,
		protocol.COUNT:    d.handleCount,
		protocol.CLEAR:    d.handleClear,

		protocol.BULK_INSERT: d.handleBulk,
		protocol.BULK_ADD:    d.handleBulk,
		protocol.BULK_REMOVE: d.handleBulk,
		protocol.BULK_GET:    d.handleBulkGet,

		protocol.KEY_REGISTER:   d.handleKeyRegister,
		protocol.KEY_UNREGISTER: d.handleKeyUnregister,

		protocol.ENUMERATE:      d.handleEnumerate,
		protocol.SEARCH:         d.handleSearch,
		protocol.NEXT_CHUNK:     d.handleNextChunk,
		protocol.DISPOSE_READER: d.handleDisposeReader,

		protocol.STREAM_OPEN:   d.handleStreamOpen,
		protocol.STREAM_READ:   d.handleStreamRead,
		protocol.STREAM_WRITE:  d.handleStreamWrite,
		protocol.STREAM_LENGTH: d.handleStreamLength,
		protocol.STREAM_CLOSE:  d.handleStreamClose,

		protocol.TASK_RUN:         d.handleTaskRun,
		protocol.TASK_CALLBACK:    d.handleTaskCallback,
		protocol.TASK_CANCEL:      d.handleTaskCancel,
		protocol.TASK_PROGRESS:    d.handleTaskProgress,
		protocol.TASK_ENUMERATE:   d.handleTaskEnumerate,
		protocol.TASK_NEXT_RECORD: d.handleTaskNextRecord,
	}

	return d
}

// Dispatch handles one request, or the failure to parse one, and returns the
// packets to send back in order. The last packet is terminal.
//
// readErr is the error protocol.ReadRequest returned alongside req. Errors
// other than a *protocol.ParseError are connection failures and produce no
// packets.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, req protocol.Request, readErr error) []protocol.Response {
	if readErr != nil {
		return d.dispatchParseError(s, readErr)
	}

	d.requests.Add(1)
	header := req.GetHeader()

	handler, ok := d.handlers[header.Command]
	if !ok {
		return d.fail(header, protocol.NewError(protocol.KindNotSupported,
			"command %s is not supported", header.Command))
	}

	if fenced(header.Command) && d.topology.IsStale(header.LastViewID) {
		return d.fail(header, protocol.NewError(protocol.KindStaleView,
			"view %d is stale, the current view is %d", header.LastViewID, d.topology.ViewID()))
	}

	if err := d.redirect(req); err != nil {
		return d.fail(header, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resps, err := d.invoke(reqCtx, handler, s, req)
	if err != nil {
		d.log.Debug("Request failed",
			zap.String("session", s.ID),
			zap.String("requestID", header.ID.String()),
			zap.String("command", string(header.Command)),
			zap.Error(err))

		return d.fail(header, err)
	}

	if len(resps) == 0 {
		resps = []protocol.Response{{Type: protocol.RespOk}}
	}

	for i := range resps {
		resps[i].RequestID = header.ID
		resps[i].Command = header.Command
		resps[i].Sequence = i + 1
		resps[i].Terminal = i == len(resps)-1
	}

	return resps
}

// Release frees everything the session owns. Call it once the connection is
// gone.
func (d *Dispatcher) Release(s *Session) {
	streams := d.streams.ReleaseOwner(s.ID)
	readers := d.readers.ReleaseOwner(s.ID)
	subscriptions := d.tasks.ReleaseClient(s.ID)
	tasks := d.tasks.ReleaseOwner(s.ID)
	watches := d.watchers.release(s.ID)

	d.log.Info("Released session",
		zap.String("session", s.ID),
		zap.String("addr", s.Addr),
		zap.Int("streams", streams),
		zap.Int("readers", readers),
		zap.Int("subscriptions", subscriptions),
		zap.Int("tasks", tasks),
		zap.Int("watches", watches))
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		ViewID:   d.topology.ViewID(),
		Streams:  d.streams.Count(),
		Readers:  d.readers.Count(),
		Tasks:    d.tasks.Count(),
		Watchers: d.watchers.count(),
		Requests: d.requests.Load(),
		Errors:   d.errors.Load(),
	}
}

func (d *Dispatcher) dispatchParseError(s *Session, readErr error) []protocol.Response {
	var parseErr *protocol.ParseError
	if !errors.As(readErr, &parseErr) {
		return nil
	}

	if !parseErr.ExpectsReply {
		d.log.Debug("Dropping unparseable request from an immature client",
			zap.String("session", s.ID),
			zap.Error(parseErr))
		return nil
	}

	d.requests.Add(1)

	return d.fail(protocol.Header{ID: parseErr.RequestID, Command: parseErr.Command},
		&protocol.Error{Kind: protocol.KindParsing, Detail: parseErr.Error()})
}

// invoke calls handler, turning a panic into an OperationFailed error.
func (d *Dispatcher) invoke(
	ctx context.Context,
	handler handlerFunc,
	s *Session,
	req protocol.Request,
) (resps []protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panicked",
				zap.String("command", string(req.GetCommand())),
				zap.Any("panic", r),
				zap.Stack("stack"))

			resps = nil
			err = protocol.NewError(protocol.KindOperationFailed, "internal error handling %s", req.GetCommand())
		}
	}()

	return handler(ctx, s, req)
}

func (d *Dispatcher) fail(header protocol.Header, err error) []protocol.Response {
	d.errors.Add(1)

	return []protocol.Response{{
		RequestID: header.ID,
		Command:   header.Command,
		Type:      protocol.RespErr,
		Sequence:  1,
		Terminal:  true,
		Err:       protocol.AsError(err),
	}}
}

// redirect refuses a single key request that was meant for another node
// when this node does not own the key either. The error names the owner.
// Requests without an intended recipient are always served locally.
func (d *Dispatcher) redirect(req protocol.Request) error {
	header := req.GetHeader()
	local := d.topology.LocalAddr()

	if header.IntendedRecipient == "" || header.IntendedRecipient == local {
		return nil
	}

	var key string
	switch r := req.(type) {
	case protocol.KeyRequest:
		key = r.Key
	case protocol.StreamRequest:
		key = r.Key
	case protocol.WatchRequest:
		key = r.Key
	default:
		return nil
	}

	owner := d.topology.Owner(key)
	if owner == local {
		return nil
	}

	return &protocol.Error{
		Kind:   protocol.KindNotFound,
		Detail: fmt.Sprintf("key %q is owned by %s, this node is %s", key, owner, local),
		Node:   owner,
	}
}

// fenced reports whether a command touches data and so must be refused when
// the client's view is stale.
func fenced(cmd protocol.Command) bool {
	switch cmd {
	case protocol.QUIT, protocol.PING, protocol.VIEW,
		protocol.TASK_CALLBACK, protocol.TASK_CANCEL, protocol.TASK_PROGRESS,
		protocol.TASK_ENUMERATE, protocol.TASK_NEXT_RECORD,
		protocol.DISPOSE_READER, protocol.KEY_UNREGISTER:
		return false
	}

	return true
}

// single wraps one payload into a response list.
func single(respType protocol.ResponseType, p *protocol.Payload) ([]protocol.Response, error) {
	if p == nil {
		return []protocol.Response{{Type: respType}}, nil
	}

	data, err := p.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", respType, err)
	}

	return []protocol.Response{{Type: respType, Data: data}}, nil
}
