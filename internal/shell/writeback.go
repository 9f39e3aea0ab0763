package shell

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/shellsync/internal/metrics"
	"github.com/google/uuid"
)

// FlagWrite is one pending WriteFlags call.
type FlagWrite struct {
	OpID       string       `json:"opId"`
	Key        string       `json:"key"`
	Settings   UserSettings `json:"settings"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

type WritebackQueue interface {
	TryEnqueue(task FlagWrite) bool
	Enqueue(ctx context.Context, task FlagWrite) bool
	Dequeue(ctx context.Context) (FlagWrite, bool)
	Depth() int
	Capacity() int
	Close() error
}

type writebackQueueSnapshotter interface {
	SnapshotWritebacks() []FlagWrite
}

type inMemoryWritebackQueue struct {
	ch    chan FlagWrite
	items map[string]FlagWrite
	mu    sync.Mutex
}

func NewInMemoryWritebackQueue(capacity int) WritebackQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryWritebackQueue{
		ch:    make(chan FlagWrite, capacity),
		items: make(map[string]FlagWrite),
	}
}

func (q *inMemoryWritebackQueue) TryEnqueue(task FlagWrite) bool {
	if q == nil || task.OpID == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.track(task)
		return true
	default:
		return false
	}
}

func (q *inMemoryWritebackQueue) Enqueue(ctx context.Context, task FlagWrite) bool {
	if q == nil || task.OpID == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.track(task)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryWritebackQueue) track(task FlagWrite) {
	q.mu.Lock()
	q.items[task.OpID] = task
	q.mu.Unlock()
}

func (q *inMemoryWritebackQueue) Dequeue(ctx context.Context) (FlagWrite, bool) {
	if q == nil {
		return FlagWrite{}, false
	}
	select {
	case task := <-q.ch:
		q.mu.Lock()
		delete(q.items, task.OpID)
		q.mu.Unlock()
		return task, true
	case <-ctx.Done():
		return FlagWrite{}, false
	}
}

func (q *inMemoryWritebackQueue) SnapshotWritebacks() []FlagWrite {
	if q == nil {
		return []FlagWrite{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]FlagWrite, 0, len(q.items))
	for _, item := range q.items {
		result = append(result, item)
	}
	return result
}

func (q *inMemoryWritebackQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryWritebackQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryWritebackQueue) Close() error {
	return nil
}

type WriterOptions struct {
	Queue       WritebackQueue
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// FlagWriter drains a WritebackQueue into ArchiveIndex.WriteFlags. Submit
// never blocks the caller; a write that still fails after MaxAttempts is
// logged and dropped, and the next reload reconciles local state.
type FlagWriter struct {
	index       ArchiveIndex
	queue       WritebackQueue
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewFlagWriter(index ArchiveIndex, opts WriterOptions) *FlagWriter {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryWritebackQueue(1024)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FlagWriter{
		index:       index,
		queue:       queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers. Items left in a durable queue from a previous
// run are processed first.
func (w *FlagWriter) Start() {
	w.startOnce.Do(func() {
		for i := 0; i < w.workers; i++ {
			w.wg.Add(1)
			go w.worker()
		}
	})
}

// Submit queues a write and returns immediately. It reports false when the
// queue is full or the writer is closed.
func (w *FlagWriter) Submit(key string, settings UserSettings) bool {
	if w == nil || key == "" {
		return false
	}
	select {
	case <-w.ctx.Done():
		return false
	default:
	}
	task := FlagWrite{
		OpID:       uuid.NewString(),
		Key:        key,
		Settings:   settings,
		EnqueuedAt: time.Now().UTC(),
	}
	if w.queue.TryEnqueue(task) {
		return true
	}
	w.logger.Warn("flag writeback queue full", "key", key, "capacity", w.queue.Capacity())
	w.metrics.FlagWrite("dropped")
	return false
}

func (w *FlagWriter) Pending() []FlagWrite {
	if snapshotter, ok := w.queue.(writebackQueueSnapshotter); ok {
		return snapshotter.SnapshotWritebacks()
	}
	return nil
}

func (w *FlagWriter) Depth() int {
	return w.queue.Depth()
}

func (w *FlagWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
		err = w.queue.Close()
	})
	return err
}

func (w *FlagWriter) worker() {
	defer w.wg.Done()
	for {
		task, ok := w.queue.Dequeue(w.ctx)
		if !ok {
			return
		}
		w.process(task)
	}
}

func (w *FlagWriter) process(task FlagWrite) {
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err = w.index.WriteFlags(w.ctx, task.Key, task.Settings)
		if err == nil {
			w.metrics.FlagWrite("ok")
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) {
			break
		}
		if attempt < w.maxAttempts {
			w.metrics.FlagWrite("retried")
			w.logger.Debug("retrying flag write", "key", task.Key, "op_id", task.OpID, "attempt", attempt, "error", err)
			select {
			case <-w.ctx.Done():
				attempt = w.maxAttempts
			case <-time.After(w.retryDelay):
			}
		}
	}
	w.metrics.FlagWrite("failed")
	w.logger.Error("flag write failed",
		"key", task.Key,
		"op_id", task.OpID,
		"is_saved", task.Settings.IsSaved,
		"is_serving", task.Settings.IsServing,
		"error", errors.Join(ErrWriteFailed, err),
	)
}
