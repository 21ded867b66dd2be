package task

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lodestar/cursor"
	"github.com/luma/lodestar/protocol"
	"github.com/luma/lodestar/storage"
)

const (
	DefaultQueueSize      = 64
	DefaultMaxResultBytes = 64 << 20
	DefaultSweepInterval  = time.Minute

	// progressEvery is how many keys a scan reads between progress updates
	progressEvery = 64
)

type ExecutorOptions struct {
	// Workers is the number of tasks run at once, defaults to the CPU count
	Workers int

	// QueueSize is the number of tasks that may wait for a worker
	QueueSize int

	// MaxResultBytes caps the keys and values one task may collect. A task
	// that passes it fails.
	MaxResultBytes int64

	// SweepInterval is how often expired tasks are forgotten
	SweepInterval time.Duration
}

type job struct {
	ctx     context.Context
	cancel  context.CancelFunc
	taskID  string
	pattern string
}

// Executor runs scan tasks against the engine on a fixed pool of workers and
// reports their progress to the Registry.
type Executor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	registry       *Registry
	engine         storage.Engine
	numWorkers     int
	maxResultBytes int64
	sweepInterval  time.Duration

	mu      sync.Mutex
	queue   chan job
	stopped bool

	log *zap.Logger
}

func NewExecutor(registry *Registry, engine storage.Engine, opts ExecutorOptions, log *zap.Logger) *Executor {
	numWorkers := opts.Workers
	if numWorkers < 1 {
		numWorkers = runtime.NumCPU()
	}

	queueSize := opts.QueueSize
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	maxResultBytes := opts.MaxResultBytes
	if maxResultBytes <= 0 {
		maxResultBytes = DefaultMaxResultBytes
	}

	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	return &Executor{
		registry:       registry,
		engine:         engine,
		numWorkers:     numWorkers,
		maxResultBytes: maxResultBytes,
		sweepInterval:  sweepInterval,
		queue:          make(chan job, queueSize),
		log:            log,
	}
}

func (e *Executor) Start(parentCtx context.Context) {
	e.ctx, e.cancel = context.WithCancel(parentCtx)

	e.log.Info("Starting task workers", zap.Int("count", e.numWorkers))

	for i := 0; i < e.numWorkers; i++ {
		e.stopWaiter.Add(1)

		go func(worker int) {
			defer e.stopWaiter.Done()
			e.work(e.log.With(zap.Int("worker", worker)))
		}(i)
	}

	e.stopWaiter.Add(1)
	go func() {
		defer e.stopWaiter.Done()
		e.sweep()
	}()
}

// Close cancels every queued and running task and waits for the workers to
// exit.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	e.stopWaiter.Wait()
	return nil
}

// Submit queues a task that collects every key matching pattern, with its
// value, and returns the new task id.
func (e *Executor) Submit(owner, pattern string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.ctx == nil {
		return "", protocol.NewError(protocol.KindOperationFailed, "task executor is not running")
	}

	ctx, cancel := context.WithCancel(e.ctx)
	taskID := e.registry.Create(owner, cancel)

	select {
	case e.queue <- job{ctx: ctx, cancel: cancel, taskID: taskID, pattern: pattern}:
		return taskID, nil

	default:
		cancel()
		e.registry.Finish(taskID, nil, protocol.NewError(protocol.KindOperationFailed, "task queue is full"))
		return "", protocol.NewError(protocol.KindOperationFailed,
			"task queue is full, %d tasks are waiting", cap(e.queue))
	}
}

// sweep forgets expired tasks until the executor stops.
func (e *Executor) sweep() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case now := <-ticker.C:
			if n := e.registry.Sweep(now); n > 0 {
				e.log.Info("Forgot expired tasks", zap.Int("count", n))
			}
		}
	}
}

func (e *Executor) work(log *zap.Logger) {
	for j := range e.queue {
		e.run(j, log)
	}
}

func (e *Executor) run(j job, log *zap.Logger) {
	defer j.cancel()

	if j.ctx.Err() != nil {
		// cancelled while queued
		e.registry.Transition(j.taskID, StatusCancelled, j.ctx.Err().Error())
		return
	}

	if err := e.registry.Transition(j.taskID, StatusRunning, ""); err != nil {
		log.Warn("Task vanished before it ran", zap.String("task", j.taskID), zap.Error(err))
		return
	}

	results, err := e.scan(j)
	if j.ctx.Err() != nil {
		// Cancel already moved the task to Cancelled, unless the executor is
		// shutting down
		e.registry.Transition(j.taskID, StatusCancelled, j.ctx.Err().Error())
		return
	}

	if err != nil {
		log.Warn("Task failed", zap.String("task", j.taskID), zap.Error(err))
	}

	e.registry.Finish(j.taskID, results, err)
}

func (e *Executor) scan(j job) ([]cursor.Item, error) {
	keys, err := e.engine.Keys(j.ctx, j.pattern)
	if err != nil {
		return nil, err
	}

	e.registry.SetProgress(j.taskID, 0, len(keys))

	results := make([]cursor.Item, 0, len(keys))
	source := cursor.EngineSource{Engine: e.engine, Keys: keys}
	var size int64

	for from := 0; from < len(keys); from += progressEvery {
		if err := j.ctx.Err(); err != nil {
			return nil, err
		}

		to := from + progressEvery
		if to > len(keys) {
			to = len(keys)
		}

		items, err := source.Slice(j.ctx, from, to)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			// removed since the key list was taken
			if item.Value == nil {
				continue
			}

			size += int64(len(item.Key) + len(item.Value))
			if size > e.maxResultBytes {
				return nil, protocol.NewError(protocol.KindOperationFailed,
					"task results exceed %d bytes", e.maxResultBytes)
			}

			results = append(results, item)
		}

		e.registry.SetProgress(j.taskID, to, len(keys))
	}

	return results, nil
}
