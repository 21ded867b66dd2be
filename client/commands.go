package client

import (
	"context"
	"strconv"

	"github.com/luma/lodestar/protocol"
)

type Item struct {
	Key   string
	Value []byte
}

// Chunk is one page of a reader, or an inline search result.
type Chunk struct {
	ReaderID  string
	Items     []Item
	NextIndex int
	Terminal  bool
	Node      string
}

// Reader describes a reader opened by Search.
type Reader struct {
	ReaderID  string
	Total     int
	NextIndex int
	Node      string
}

type BulkResult struct {
	Succeeded []string
	Failed    map[string]*protocol.Error
}

// BulkValues is the result of BulkGet. Keys that could not be read are in
// Failed.
type BulkValues struct {
	Values map[string][]byte
	Failed map[string]*protocol.Error
}

type TaskStatus struct {
	TaskID    string
	Status    string
	Sequence  uint64
	Processed int
	Total     int
	Detail    string
}

type View struct {
	ID    int64
	Nodes []string
	Local string
}

func items(resp *protocol.Response, path string) []Item {
	found := make([]Item, 0)
	for i, item := range resp.Get(path).Array() {
		found = append(found, Item{
			Key:   item.Get("key").String(),
			Value: resp.Bytes(path + "." + strconv.Itoa(i) + ".value"),
		})
	}
	return found
}

func kv(key string) *protocol.Payload {
	return protocol.NewPayload().Set("key", key)
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.PING, nil)
	return err
}

// Quit asks the server to close the connection once it has replied.
func (c *Conn) Quit(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.QUIT, nil)
	return err
}

// View fetches the current cluster view and starts sending its id with every
// request.
func (c *Conn) View(ctx context.Context) (View, error) {
	resp, err := c.One(ctx, protocol.VIEW, nil)
	if err != nil {
		return View{}, err
	}

	view := View{
		ID:    resp.Get("viewId").Int(),
		Local: resp.Get("local").String(),
	}

	for _, node := range resp.Get("nodes").Array() {
		view.Nodes = append(view.Nodes, node.String())
	}

	c.SetView(view.ID)
	return view, nil
}

func (c *Conn) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.One(ctx, protocol.GET, kv(key))
	if err != nil {
		return nil, err
	}

	return resp.Bytes("value"), nil
}

func (c *Conn) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.Do(ctx, protocol.SET, kv(key).Set("value", value))
	return err
}

func (c *Conn) Add(ctx context.Context, key string, value []byte) error {
	_, err := c.Do(ctx, protocol.ADD, kv(key).Set("value", value))
	return err
}

func (c *Conn) Remove(ctx context.Context, key string) error {
	_, err := c.Do(ctx, protocol.REMOVE, kv(key))
	return err
}

func (c *Conn) Contains(ctx context.Context, key string) (bool, error) {
	resp, err := c.One(ctx, protocol.CONTAINS, kv(key))
	if err != nil {
		return false, err
	}

	return resp.Get("value").Bool(), nil
}

func (c *Conn) Count(ctx context.Context) (int64, error) {
	resp, err := c.One(ctx, protocol.COUNT, nil)
	if err != nil {
		return 0, err
	}

	return resp.Get("count").Int(), nil
}

func (c *Conn) Clear(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.CLEAR, nil)
	return err
}

// BulkInsert inserts every entry of values. It fails only when every key
// failed; individual failures are in the result.
func (c *Conn) BulkInsert(ctx context.Context, values map[string][]byte) (BulkResult, error) {
	entries := make([]map[string]interface{}, 0, len(values))
	for key, value := range values {
		entries = append(entries, map[string]interface{}{"key": key, "value": value})
	}

	return c.bulk(ctx, protocol.BULK_INSERT, protocol.NewPayload().Set("items", entries))
}

func (c *Conn) BulkRemove(ctx context.Context, keys ...string) (BulkResult, error) {
	return c.bulk(ctx, protocol.BULK_REMOVE, protocol.NewPayload().Set("keys", keys))
}

func (c *Conn) bulk(ctx context.Context, cmd protocol.Command, args *protocol.Payload) (BulkResult, error) {
	resp, err := c.One(ctx, cmd, args)
	if err != nil {
		return BulkResult{}, err
	}

	result := BulkResult{Failed: failures(resp)}
	for _, key := range resp.Get("succeeded").Array() {
		result.Succeeded = append(result.Succeeded, key.String())
	}

	return result, nil
}

// BulkGet reads every key in one request. It fails only when no key could be
// read.
func (c *Conn) BulkGet(ctx context.Context, keys ...string) (BulkValues, error) {
	resp, err := c.One(ctx, protocol.BULK_GET, protocol.NewPayload().Set("keys", keys))
	if err != nil {
		return BulkValues{}, err
	}

	result := BulkValues{
		Values: make(map[string][]byte),
		Failed: failures(resp),
	}

	for _, item := range items(resp, "values") {
		result.Values[item.Key] = item.Value
	}

	return result, nil
}

func failures(resp *protocol.Response) map[string]*protocol.Error {
	failed := make(map[string]*protocol.Error)
	for _, f := range resp.Get("failed").Array() {
		failed[f.Get("key").String()] = &protocol.Error{
			Kind:   protocol.ParseErrorKind(f.Get("kind").String()),
			Detail: f.Get("detail").String(),
		}
	}
	return failed
}

// RegisterKeyNotification subscribes to updates and removals of key. They
// arrive on Notifications with Key and Event set.
func (c *Conn) RegisterKeyNotification(ctx context.Context, key, callbackID string) error {
	_, err := c.Do(ctx, protocol.KEY_REGISTER, kv(key).Set("callback", callbackID))
	return err
}

func (c *Conn) UnregisterKeyNotification(ctx context.Context, key, callbackID string) error {
	_, err := c.Do(ctx, protocol.KEY_UNREGISTER, kv(key).Set("callback", callbackID))
	return err
}

// Enumerate returns every key in the cache.
func (c *Conn) Enumerate(ctx context.Context) ([]string, error) {
	resps, err := c.Do(ctx, protocol.ENUMERATE, nil)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0)
	for _, resp := range resps {
		for _, key := range resp.Get("keys").Array() {
			keys = append(keys, key.String())
		}
	}

	return keys, nil
}

// Search returns the matching entries inline when they fit one chunk.
// Otherwise the chunk is nil and the entries are read through the reader.
func (c *Conn) Search(ctx context.Context, pattern string) (*Chunk, *Reader, error) {
	resp, err := c.One(ctx, protocol.SEARCH, protocol.NewPayload().Set("pattern", pattern))
	if err != nil {
		return nil, nil, err
	}

	if resp.Type == protocol.RespReader {
		return nil, &Reader{
			ReaderID:  resp.Get("reader").String(),
			Total:     int(resp.Get("total").Int()),
			NextIndex: int(resp.Get("nextIndex").Int()),
			Node:      resp.Get("node").String(),
		}, nil
	}

	return &Chunk{
		Items:     items(resp, "items"),
		NextIndex: int(resp.Get("nextIndex").Int()),
		Terminal:  true,
	}, nil, nil
}

func (c *Conn) NextChunk(ctx context.Context, readerID string, nextIndex int, node string) (Chunk, error) {
	args := protocol.NewPayload().
		Set("reader", readerID).
		Set("index", nextIndex)

	if node != "" {
		args.Set("node", node)
	}

	resp, err := c.One(ctx, protocol.NEXT_CHUNK, args)
	if err != nil {
		return Chunk{}, err
	}

	return Chunk{
		ReaderID:  resp.Get("reader").String(),
		Items:     items(resp, "items"),
		NextIndex: int(resp.Get("nextIndex").Int()),
		Terminal:  resp.Get("terminal").Bool(),
		Node:      resp.Get("node").String(),
	}, nil
}

func (c *Conn) DisposeReader(ctx context.Context, readerID string) error {
	_, err := c.Do(ctx, protocol.DISPOSE_READER, protocol.NewPayload().Set("reader", readerID))
	return err
}

func (c *Conn) OpenStream(ctx context.Context, key string) (string, error) {
	resp, err := c.One(ctx, protocol.STREAM_OPEN, kv(key))
	if err != nil {
		return "", err
	}

	return resp.Get("handle").String(), nil
}

func (c *Conn) ReadStream(ctx context.Context, key, handle string, offset int64, length int) ([]byte, error) {
	resp, err := c.One(ctx, protocol.STREAM_READ, kv(key).
		Set("handle", handle).
		Set("offset", offset).
		Set("length", length))
	if err != nil {
		return nil, err
	}

	return resp.Bytes("data"), nil
}

// WriteStream writes buf at dstOffset. With an empty handle the key is locked
// first; the handle in use is returned either way.
func (c *Conn) WriteStream(ctx context.Context, key, handle string, dstOffset int64, buf []byte) (string, error) {
	args := kv(key).
		Set("dst", dstOffset).
		Set("buffer", buf)

	if handle != "" {
		args.Set("handle", handle)
	}

	resp, err := c.One(ctx, protocol.STREAM_WRITE, args)
	if err != nil {
		return "", err
	}

	return resp.Get("handle").String(), nil
}

func (c *Conn) StreamLength(ctx context.Context, key, handle string) (int64, error) {
	resp, err := c.One(ctx, protocol.STREAM_LENGTH, kv(key).Set("handle", handle))
	if err != nil {
		return 0, err
	}

	return resp.Get("length").Int(), nil
}

func (c *Conn) CloseStream(ctx context.Context, key, handle string) error {
	_, err := c.Do(ctx, protocol.STREAM_CLOSE, kv(key).Set("handle", handle))
	return err
}

// RunTask starts a background scan of the keys matching pattern.
func (c *Conn) RunTask(ctx context.Context, pattern string) (string, error) {
	resp, err := c.One(ctx, protocol.TASK_RUN, protocol.NewPayload().Set("pattern", pattern))
	if err != nil {
		return "", err
	}

	return resp.Get("task").String(), nil
}

// RegisterCallback subscribes to the task's notifications, which arrive on
// Notifications.
func (c *Conn) RegisterCallback(ctx context.Context, taskID, callbackID string) error {
	_, err := c.Do(ctx, protocol.TASK_CALLBACK, protocol.NewPayload().
		Set("task", taskID).
		Set("callback", callbackID))
	return err
}

func (c *Conn) CancelTask(ctx context.Context, taskID string) error {
	_, err := c.Do(ctx, protocol.TASK_CANCEL, protocol.NewPayload().Set("task", taskID))
	return err
}

func (c *Conn) TaskProgress(ctx context.Context, taskID string) (TaskStatus, error) {
	resp, err := c.One(ctx, protocol.TASK_PROGRESS, protocol.NewPayload().Set("task", taskID))
	if err != nil {
		return TaskStatus{}, err
	}

	return TaskStatus{
		TaskID:    resp.Get("task").String(),
		Status:    resp.Get("status").String(),
		Sequence:  resp.Get("seq").Uint(),
		Processed: int(resp.Get("processed").Int()),
		Total:     int(resp.Get("total").Int()),
		Detail:    resp.Get("detail").String(),
	}, nil
}

// EnumerateTask returns the first batch of a completed task's results and
// whether it was the last.
func (c *Conn) EnumerateTask(ctx context.Context, taskID, callbackID string) ([]Item, bool, error) {
	resp, err := c.One(ctx, protocol.TASK_ENUMERATE, protocol.NewPayload().
		Set("task", taskID).
		Set("callback", callbackID))
	if err != nil {
		return nil, false, err
	}

	return items(resp, "records"), resp.Get("last").Bool(), nil
}

// NextRecord returns the next result record of the task. last is set on the
// final record, and on the empty record returned once all were read.
func (c *Conn) NextRecord(ctx context.Context, taskID, callbackID string) (record Item, last bool, node string, err error) {
	args := protocol.NewPayload().
		Set("task", taskID).
		Set("callback", callbackID)

	if c.conn != nil {
		args.Set("clientAddr", c.conn.LocalAddr().String())
	}

	resp, err := c.One(ctx, protocol.TASK_NEXT_RECORD, args)
	if err != nil {
		return Item{}, false, "", err
	}

	record = Item{Key: resp.Get("key").String(), Value: resp.Bytes("value")}
	return record, resp.Get("last").Bool(), resp.Get("node").String(), nil
}
