package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luma/lodestar/bulk"
	"github.com/luma/lodestar/cursor"
	"github.com/luma/lodestar/protocol"
	"github.com/luma/lodestar/storage"
)

// wireItem is how a key and its value appear in chunk and record payloads.
type wireItem struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type wireFailure struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func toWire(items []cursor.Item) []wireItem {
	wire := make([]wireItem, len(items))
	for i, item := range items {
		wire[i] = wireItem{Key: item.Key, Value: item.Value}
	}
	return wire
}

func toWireFailures(failures []bulk.Failure) []wireFailure {
	wire := make([]wireFailure, len(failures))
	for i, f := range failures {
		perr := protocol.AsError(engineError(f.Err))
		wire[i] = wireFailure{Key: f.Key, Kind: perr.Kind.String(), Detail: perr.Detail}
	}
	return wire
}

// engineError reports a missing key as NotFound. Everything else the engine
// returns is classified by the codec.
func engineError(err error) error {
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &protocol.Error{Kind: protocol.KindNotFound, Detail: err.Error()}
	}

	return err
}

func (d *Dispatcher) handleQuit(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handlePing(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	return single(protocol.RespPong, nil)
}

func (d *Dispatcher) handleView(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	view := d.topology.View()

	return single(protocol.RespView, protocol.NewPayload().
		Set("viewId", view.ID).
		Set("nodes", view.Nodes).
		Set("local", d.topology.LocalAddr()))
}

func (d *Dispatcher) handleGet(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.KeyRequest)

	value, err := d.engine.Get(ctx, r.Key)
	if err != nil {
		return nil, engineError(err)
	}

	return single(protocol.RespValue, protocol.NewPayload().
		Set("key", r.Key).
		Set("value", value))
}

func (d *Dispatcher) handleSet(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.KeyRequest)

	if err := d.engine.Insert(ctx, r.Key, r.Value); err != nil {
		return nil, engineError(err)
	}

	d.watchers.notify(protocol.KeyUpdated, r.Key)
	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleAdd(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.KeyRequest)

	if err := d.engine.Add(ctx, r.Key, r.Value); err != nil {
		return nil, engineError(err)
	}

	d.watchers.notify(protocol.KeyUpdated, r.Key)
	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleRemove(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.KeyRequest)

	if err := d.engine.Remove(ctx, r.Key); err != nil {
		return nil, engineError(err)
	}

	d.watchers.notify(protocol.KeyRemoved, r.Key)
	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleContains(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.KeyRequest)

	ok, err := d.engine.Contains(ctx, r.Key)
	if err != nil {
		return nil, engineError(err)
	}

	return single(protocol.RespBool, protocol.NewPayload().Set("value", ok))
}

func (d *Dispatcher) handleCount(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	n, err := d.engine.Count(ctx)
	if err != nil {
		return nil, engineError(err)
	}

	return single(protocol.RespCount, protocol.NewPayload().Set("count", n))
}

func (d *Dispatcher) handleClear(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	if err := d.engine.Clear(ctx); err != nil {
		return nil, engineError(err)
	}

	d.watchers.notifyAll(protocol.KeyRemoved)
	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleBulk(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.BulkRequest)

	op, event := bulk.Op(d.engine.Insert), protocol.KeyUpdated
	switch r.Command {
	case protocol.BULK_ADD:
		op = d.engine.Add
	case protocol.BULK_REMOVE:
		op = func(ctx context.Context, key string, _ []byte) error {
			return d.engine.Remove(ctx, key)
		}
		event = protocol.KeyRemoved
	}

	result := d.bulk.Run(ctx, r.Items, op)
	if err := result.Err(); err != nil {
		return nil, err
	}

	d.watchers.notify(event, result.Succeeded...)

	return single(protocol.RespBulk, protocol.NewPayload().
		Set("succeeded", result.Succeeded).
		Set("failed", toWireFailures(result.Failures)).
		Set("recipient", r.IntendedRecipient))
}

// handleBulkGet reads several keys at once. Missing keys are reported next to
// the values that were found.
func (d *Dispatcher) handleBulkGet(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.BulkRequest)

	values := make([]wireItem, 0, len(r.Items))
	result := d.bulk.Run(ctx, r.Items, func(ctx context.Context, key string, _ []byte) error {
		value, err := d.engine.Get(ctx, key)
		if err != nil {
			return engineError(err)
		}

		values = append(values, wireItem{Key: key, Value: value})
		return nil
	})

	if err := result.Err(); err != nil {
		return nil, err
	}

	return single(protocol.RespValues, protocol.NewPayload().
		Set("values", values).
		Set("failed", toWireFailures(result.Failures)).
		Set("recipient", r.IntendedRecipient))
}

func (d *Dispatcher) handleKeyRegister(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.WatchRequest)

	d.watchers.add(r.Key, s, r.CallbackID)
	return single(protocol.RespOk, nil)
}

// handleKeyUnregister acknowledges unknown subscriptions too, so clients can
// repeat it safely.
func (d *Dispatcher) handleKeyUnregister(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.WatchRequest)

	if !d.watchers.remove(r.Key, s.ID, r.CallbackID) {
		d.log.Debug("Key notification was not registered",
			zap.String("session", s.ID),
			zap.String("key", r.Key),
			zap.String("callback", r.CallbackID))
	}

	return single(protocol.RespOk, nil)
}

// handleEnumerate returns every key in one reply. Large key sets are split
// over several packets but no reader is opened.
func (d *Dispatcher) handleEnumerate(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	keys, err := d.engine.Keys(ctx, "")
	if err != nil {
		return nil, engineError(err)
	}

	if keys == nil {
		keys = []string{}
	}

	size := d.readers.ChunkSize()
	resps := make([]protocol.Response, 0, len(keys)/size+1)

	for from := 0; from == 0 || from < len(keys); from += size {
		to := from + size
		if to > len(keys) {
			to = len(keys)
		}

		packet, err := single(protocol.RespKeys, protocol.NewPayload().
			Set("keys", keys[from:to]).
			Set("total", len(keys)))
		if err != nil {
			return nil, err
		}

		resps = append(resps, packet...)
	}

	return resps, nil
}

// handleSearch answers inline when the matches fit one chunk, otherwise it
// opens a reader over them and returns its description.
func (d *Dispatcher) handleSearch(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.SearchRequest)

	keys, err := d.engine.Keys(ctx, r.Pattern)
	if err != nil {
		return nil, engineError(err)
	}

	source := cursor.EngineSource{Engine: d.engine, Keys: keys}

	if len(keys) <= d.readers.ChunkSize() {
		items, err := source.Slice(ctx, 0, len(keys))
		if err != nil {
			return nil, engineError(err)
		}

		return single(protocol.RespChunk, protocol.NewPayload().
			Set("items", toWire(items)).
			Set("nextIndex", len(items)).
			Set("terminal", true))
	}

	affinity := ""
	if d.topology.Partitioned() {
		affinity = d.topology.LocalAddr()
	}

	info := d.readers.Open(s.ID, source, affinity)

	return single(protocol.RespReader, protocol.NewPayload().
		Set("reader", info.ReaderID).
		Set("total", info.Total).
		Set("nextIndex", info.NextIndex).
		Set("node", info.NodeAddress))
}

func (d *Dispatcher) handleNextChunk(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.ChunkRequest)

	local := d.topology.LocalAddr()

	affinity, known := d.readers.Affinity(r.ReaderID)
	switch {
	case known && affinity != "" && affinity != local:
		return nil, &protocol.Error{
			Kind:   protocol.KindNotFound,
			Detail: fmt.Sprintf("reader %s is bound to %s, this node is %s", r.ReaderID, affinity, local),
			Node:   affinity,
		}

	case !known && r.NodeHint != "" && r.NodeHint != local:
		return nil, &protocol.Error{
			Kind:   protocol.KindNotFound,
			Detail: fmt.Sprintf("reader %s is held by %s, this node is %s", r.ReaderID, r.NodeHint, local),
			Node:   r.NodeHint,
		}
	}

	chunk, err := d.readers.Next(ctx, s.ID, r.ReaderID, r.NextIndex)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespChunk, protocol.NewPayload().
		Set("reader", chunk.ReaderID).
		Set("items", toWire(chunk.Items)).
		Set("nextIndex", chunk.NextIndex).
		Set("terminal", chunk.Terminal).
		Set("node", chunk.NodeAddress))
}

func (d *Dispatcher) handleDisposeReader(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.ChunkRequest)

	if err := d.readers.Dispose(s.ID, r.ReaderID); err != nil {
		return nil, err
	}

	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleStreamOpen(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.StreamRequest)

	handle, err := d.streams.Open(ctx, s.ID, r.Key)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespHandle, protocol.NewPayload().Set("handle", handle))
}

func (d *Dispatcher) handleStreamRead(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.StreamRequest)

	data, err := d.streams.Read(ctx, s.ID, r.Key, r.Handle, r.Offset, r.Length)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespData, protocol.NewPayload().
		Set("length", len(data)).
		Set("data", data))
}

func (d *Dispatcher) handleStreamWrite(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.StreamRequest)

	handle, err := d.streams.Write(ctx, s.ID, r.Key, r.Handle, r.SrcOffset, r.DstOffset, r.Length, r.Buffer)
	if err != nil {
		return nil, err
	}

	d.watchers.notify(protocol.KeyUpdated, r.Key)

	return single(protocol.RespOk, protocol.NewPayload().Set("handle", handle))
}

func (d *Dispatcher) handleStreamLength(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.StreamRequest)

	n, err := d.streams.Length(ctx, s.ID, r.Key, r.Handle)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespLength, protocol.NewPayload().Set("length", n))
}

func (d *Dispatcher) handleStreamClose(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.StreamRequest)

	if err := d.streams.Close(ctx, s.ID, r.Key, r.Handle); err != nil {
		return nil, err
	}

	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleTaskRun(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.SearchRequest)

	taskID, err := d.executor.Submit(s.ID, r.Pattern)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespTask, protocol.NewPayload().Set("task", taskID))
}

func (d *Dispatcher) handleTaskCallback(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.TaskRequest)

	if err := d.tasks.RegisterCallback(r.TaskID, s.ID, r.CallbackID, s); err != nil {
		return nil, err
	}

	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleTaskCancel(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.TaskRequest)

	if err := d.tasks.Cancel(r.TaskID, s.ID); err != nil {
		return nil, err
	}

	return single(protocol.RespOk, nil)
}

func (d *Dispatcher) handleTaskProgress(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.TaskRequest)

	snapshot, err := d.tasks.Progress(r.TaskID)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespStatus, protocol.NewPayload().
		Set("task", snapshot.TaskID).
		Set("status", snapshot.Status.String()).
		Set("seq", snapshot.Sequence).
		Set("processed", snapshot.Processed).
		Set("total", snapshot.Total).
		Set("detail", snapshot.Detail))
}

func (d *Dispatcher) handleTaskEnumerate(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.TaskRequest)

	batch, err := d.tasks.Enumerate(r.TaskID, s.ID, r.CallbackID)
	if err != nil {
		return nil, err
	}

	return single(protocol.RespRecords, protocol.NewPayload().
		Set("records", toWire(batch.Records)).
		Set("last", batch.Last).
		Set("node", batch.NodeAddress))
}

func (d *Dispatcher) handleTaskNextRecord(ctx context.Context, s *Session, req protocol.Request) ([]protocol.Response, error) {
	r := req.(protocol.TaskRequest)

	record, last, node, err := d.tasks.NextRecord(r.TaskID, s.ID, r.CallbackID)
	if err != nil {
		return nil, err
	}

	d.log.Debug("Served task record",
		zap.String("task", r.TaskID),
		zap.String("clientAddr", r.ClientAddr),
		zap.String("clusterAddr", r.ClusterAddr))

	return single(protocol.RespRecord, protocol.NewPayload().
		Set("key", record.Key).
		Set("value", record.Value).
		Set("last", last).
		Set("node", node))
}
