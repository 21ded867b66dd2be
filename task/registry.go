// Package task tracks background tasks and the clients waiting on them.
//
// Every task moves Pending -> Running -> Completed|Failed|Cancelled and each
// transition bumps the task's sequence number. A client follows a task through
// a subscription keyed by (client, callback). Push subscriptions receive a
// notification for every transition; pull subscriptions read the finished
// result set through Enumerate and NextRecord. A subscription is one or the
// other, never both.
//
// Delivery is at least once. A notification the sink refused is retried on
// the next transition or explicit Deliver, so clients drop repeats by
// sequence number.
//
// Only the connection that started a task may cancel it. Once that
// connection is gone its finished tasks are forgotten as soon as no
// subscriber still needs them, and every finished task is forgotten after
// the retention period.
package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lodestar/cursor"
	"github.com/luma/lodestar/internal/ident"
	"github.com/luma/lodestar/protocol"
)

const DefaultRetention = 15 * time.Minute

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{
	StatusPending:   "Pending",
	StatusRunning:   "Running",
	StatusCompleted: "Completed",
	StatusFailed:    "Failed",
	StatusCancelled: "Cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

type Mode int

const (
	ModePush Mode = iota
	ModePull
)

// Sink receives push notifications for one client. Notify must not block.
type Sink interface {
	Notify(n protocol.Notification) error
}

// Snapshot is the state reported by Progress.
type Snapshot struct {
	TaskID    string
	Status    Status
	Sequence  uint64
	Processed int
	Total     int
	Detail    string
}

// Batch is a run of result records for a pull subscription.
type Batch struct {
	Records     []cursor.Item
	Last        bool
	NodeAddress string
}

type subKey struct {
	client   string
	callback string
}

type subscription struct {
	mode Mode
	sink Sink

	lastDelivered uint64

	// next is the read position of a pull subscription
	next int
}

type task struct {
	mu sync.Mutex

	id     string
	owner  string
	cancel context.CancelFunc

	status     Status
	seq        uint64
	detail     string
	processed  int
	total      int
	results    []cursor.Item
	finishedAt time.Time

	// orphaned is set once the owner has disconnected
	orphaned bool

	subs map[subKey]*subscription
}

// idle reports whether no subscriber is waiting on the task: every push
// subscriber has seen the latest state and every pull subscriber has read to
// the end.
func (t *task) idle() bool {
	for _, sub := range t.subs {
		switch sub.mode {
		case ModePush:
			if sub.lastDelivered < t.seq {
				return false
			}
		case ModePull:
			if sub.next < len(t.results) {
				return false
			}
		}
	}

	return true
}

type Options struct {
	// NodeAddress is reported with every record so clients know where the
	// results live
	NodeAddress string

	// BatchSize caps the records returned by Enumerate
	BatchSize int

	// Retention is how long a finished task is kept for its subscribers
	Retention time.Duration
}

type Registry struct {
	node      string
	batchSize int
	retention time.Duration

	mu    sync.RWMutex
	tasks map[string]*task

	log *zap.Logger
}

func NewRegistry(opts Options, log *zap.Logger) *Registry {
	if opts.BatchSize <= 0 {
		opts.BatchSize = cursor.DefaultChunkSize
	}

	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	return &Registry{
		node:      opts.NodeAddress,
		batchSize: opts.BatchSize,
		retention: opts.Retention,
		tasks:     make(map[string]*task),
		log:       log,
	}
}

// Create tracks a new Pending task started by owner. cancel is called when
// the task is cancelled and may be nil.
func (r *Registry) Create(owner string, cancel context.CancelFunc) string {
	t := &task{
		id:     ident.New(),
		owner:  owner,
		cancel: cancel,
		subs:   make(map[subKey]*subscription),
	}

	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()

	return t.id
}

// RegisterCallback subscribes (clientID, callbackID) to push notifications
// for the task. Registering again replaces the sink and keeps the delivery
// position, so a reconnecting client does not get a second subscription.
// Transitions it has not seen yet are delivered right away.
func (r *Registry) RegisterCallback(taskID, clientID, callbackID string, sink Sink) error {
	t, err := r.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return protocol.NewError(protocol.KindOperationFailed,
			"task %s is %s, callbacks can no longer be registered", taskID, t.status)
	}

	key := subKey{client: clientID, callback: callbackID}
	sub, ok := t.subs[key]
	switch {
	case !ok:
		sub = &subscription{mode: ModePush}
		t.subs[key] = sub
	case sub.mode != ModePush:
		return protocol.NewError(protocol.KindNotSupported,
			"callback %s on task %s is polled, it cannot also be pushed", callbackID, taskID)
	}

	sub.sink = sink

	r.deliverTo(t, key, sub)
	return nil
}

// Transition moves the task to status. Transitions out of a terminal state
// are ignored.
func (r *Registry) Transition(taskID string, status Status, detail string) error {
	t, err := r.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r.transition(t, status, detail)
	return nil
}

// Finish completes the task with results, or fails it when cause is not nil.
func (r *Registry) Finish(taskID string, results []cursor.Item, cause error) error {
	t, err := r.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return nil
	}

	if cause != nil {
		r.transition(t, StatusFailed, cause.Error())
		return nil
	}

	t.results = results
	t.processed = len(results)
	r.transition(t, StatusCompleted, "")
	return nil
}

// SetProgress records how far a running task has come.
func (r *Registry) SetProgress(taskID string, processed, total int) {
	t, err := r.lookup(taskID)
	if err != nil {
		return
	}

	t.mu.Lock()
	t.processed, t.total = processed, total
	t.mu.Unlock()
}

// Deliver pushes the current state to every push subscriber that has not
// acknowledged it yet.
func (r *Registry) Deliver(taskID string) error {
	t, err := r.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r.deliver(t)
	return nil
}

// Cancel stops future delivery and asks the running work to stop. Only the
// owner may cancel a task. Cancelling a task that already finished is a
// no-op.
func (r *Registry) Cancel(taskID, requester string) error {
	t, err := r.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.owner != requester {
		return protocol.NewError(protocol.KindInvalidHandle,
			"task %s was started by another connection", taskID)
	}

	if t.status.Terminal() {
		return nil
	}

	if t.cancel != nil {
		t.cancel()
	}

	r.transition(t, StatusCancelled, "cancelled by client")
	return nil
}

func (r *Registry) Progress(taskID string) (Snapshot, error) {
	t, err := r.lookup(taskID)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		TaskID:    t.id,
		Status:    t.status,
		Sequence:  t.seq,
		Processed: t.processed,
		Total:     t.total,
		Detail:    t.detail,
	}, nil
}

// Enumerate opens, or rewinds, the pull subscription (clientID, callbackID)
// and returns the first batch of results. The task must have completed.
func (r *Registry) Enumerate(taskID, clientID, callbackID string) (Batch, error) {
	t, err := r.lookup(taskID)
	if err != nil {
		return Batch{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := subKey{client: clientID, callback: callbackID}
	sub, ok := t.subs[key]
	if ok && sub.mode != ModePull {
		return Batch{}, protocol.NewError(protocol.KindNotSupported,
			"callback %s on task %s is pushed, it cannot also be polled", callbackID, taskID)
	}

	if err := resultsReady(t); err != nil {
		return Batch{}, err
	}

	if !ok {
		sub = &subscription{mode: ModePull}
		t.subs[key] = sub
	}

	end := r.batchSize
	if end > len(t.results) {
		end = len(t.results)
	}

	sub.next = end
	sub.lastDelivered = t.seq

	batch := Batch{
		Records:     t.results[:end],
		Last:        end == len(t.results),
		NodeAddress: r.node,
	}

	r.forgetIfDone(t)
	return batch, nil
}

// NextRecord returns the record after the last one handed to the pull
// subscription. last is true when no record follows; once the results are
// exhausted an empty record is returned with last set.
func (r *Registry) NextRecord(taskID, clientID, callbackID string) (record cursor.Item, last bool, node string, err error) {
	t, err := r.lookup(taskID)
	if err != nil {
		return cursor.Item{}, false, "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[subKey{client: clientID, callback: callbackID}]
	if !ok {
		return cursor.Item{}, false, "", protocol.NewError(protocol.KindInvalidHandle,
			"callback %s is not enumerating task %s", callbackID, taskID)
	}

	if sub.mode != ModePull {
		return cursor.Item{}, false, "", protocol.NewError(protocol.KindNotSupported,
			"callback %s on task %s is pushed, it cannot also be polled", callbackID, taskID)
	}

	if sub.next >= len(t.results) {
		return cursor.Item{}, true, r.node, nil
	}

	record = t.results[sub.next]
	sub.next++

	last = sub.next >= len(t.results)
	if last {
		r.forgetIfDone(t)
	}

	return record, last, r.node, nil
}

// ReleaseClient drops every subscription held by clientID and returns how
// many there were. The tasks themselves keep running.
func (r *Registry) ReleaseClient(clientID string) int {
	released := 0
	for _, t := range r.snapshot() {
		t.mu.Lock()
		for key := range t.subs {
			if key.client == clientID {
				delete(t.subs, key)
				released++
			}
		}
		r.forgetIfDone(t)
		t.mu.Unlock()
	}

	return released
}

// ReleaseOwner marks every task started by owner as orphaned and returns how
// many of them were forgotten right away. The rest are forgotten once they
// finish and no subscriber still needs them. Running tasks are left running
// for their other subscribers.
func (r *Registry) ReleaseOwner(owner string) int {
	forgotten := 0
	for _, t := range r.snapshot() {
		t.mu.Lock()
		if t.owner == owner {
			t.orphaned = true
			if r.forgetIfDone(t) {
				forgotten++
			}
		}
		t.mu.Unlock()
	}

	return forgotten
}

// Sweep forgets every task that finished more than the retention period
// before now and returns how many there were.
func (r *Registry) Sweep(now time.Time) int {
	expired := make([]string, 0)
	for _, t := range r.snapshot() {
		t.mu.Lock()
		if t.status.Terminal() && now.Sub(t.finishedAt) > r.retention {
			expired = append(expired, t.id)
			t.results = nil
		}
		t.mu.Unlock()
	}

	if len(expired) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range expired {
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	r.log.Debug("Swept expired tasks", zap.Int("count", len(expired)))
	return len(expired)
}

// Count returns the number of tracked tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tasks)
}

func (r *Registry) snapshot() []*task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// forgetIfDone drops an orphaned, finished task nobody is waiting on. It must
// be called with t.mu held.
func (r *Registry) forgetIfDone(t *task) bool {
	if !t.orphaned || !t.status.Terminal() || !t.idle() {
		return false
	}

	r.mu.Lock()
	delete(r.tasks, t.id)
	r.mu.Unlock()

	t.results = nil

	r.log.Debug("Forgot task", zap.String("task", t.id), zap.Stringer("status", t.status))
	return true
}

func (r *Registry) lookup(taskID string) (*task, error) {
	r.mu.RLock()
	t, ok := r.tasks[taskID]
	r.mu.RUnlock()

	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "task %s does not exist", taskID)
	}

	return t, nil
}

// transition must be called with t.mu held.
func (r *Registry) transition(t *task, status Status, detail string) {
	if t.status.Terminal() || status == t.status {
		return
	}

	t.status = status
	t.detail = detail
	t.seq++

	if status.Terminal() {
		t.finishedAt = time.Now()
	}

	r.log.Debug("Task changed state",
		zap.String("task", t.id),
		zap.Stringer("status", status),
		zap.Uint64("seq", t.seq))

	r.deliver(t)
	r.forgetIfDone(t)
}

// deliver must be called with t.mu held.
func (r *Registry) deliver(t *task) {
	for key, sub := range t.subs {
		r.deliverTo(t, key, sub)
	}
}

func (r *Registry) deliverTo(t *task, key subKey, sub *subscription) {
	if sub.mode != ModePush || sub.sink == nil || sub.lastDelivered >= t.seq {
		return
	}

	err := sub.sink.Notify(protocol.Notification{
		TaskID:     t.id,
		CallbackID: key.callback,
		ClientID:   key.client,
		Status:     t.status.String(),
		Sequence:   t.seq,
		Detail:     t.detail,
	})
	if err != nil {
		r.log.Warn("Could not deliver task notification",
			zap.String("task", t.id),
			zap.String("client", key.client),
			zap.Error(err))
		return
	}

	sub.lastDelivered = t.seq
}

func resultsReady(t *task) error {
	switch t.status {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return protocol.NewError(protocol.KindOperationFailed, "task %s failed: %s", t.id, t.detail)
	case StatusCancelled:
		return protocol.NewError(protocol.KindOperationFailed, "task %s was cancelled", t.id)
	default:
		return protocol.NewError(protocol.KindOperationFailed, "task %s has not completed yet", t.id)
	}
}
