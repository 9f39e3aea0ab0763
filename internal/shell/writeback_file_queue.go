package shell

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileWritebackQueue persists pending flag writes as a JSON document so they
// survive a restart. Every mutation rewrites the file via tmp+rename.
type fileWritebackQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []FlagWrite
}

type fileWritebackQueueState struct {
	Items []FlagWrite `json:"items"`
}

func NewFileWritebackQueue(path string, capacity int) (WritebackQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileWritebackQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []FlagWrite{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileWritebackQueue) TryEnqueue(task FlagWrite) bool {
	if strings.TrimSpace(task.OpID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileWritebackQueue) Enqueue(ctx context.Context, task FlagWrite) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWritebackQueue) Dequeue(ctx context.Context) (FlagWrite, bool) {
	for {
		if task, ok := q.tryDequeue(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return FlagWrite{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWritebackQueue) tryDequeue() (FlagWrite, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return FlagWrite{}, false
	}
	task := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]FlagWrite{task}, q.items...)
		return FlagWrite{}, false
	}
	return task, true
}

func (q *fileWritebackQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileWritebackQueue) Capacity() int {
	return q.capacity
}

func (q *fileWritebackQueue) SnapshotWritebacks() []FlagWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FlagWrite(nil), q.items...)
}

func (q *fileWritebackQueue) Close() error {
	return nil
}

func (q *fileWritebackQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileWritebackQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// keep the newest writes if the file outgrew a smaller capacity
	if len(snapshot.Items) > q.capacity {
		q.items = append([]FlagWrite(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]FlagWrite(nil), snapshot.Items...)
	return nil
}

func (q *fileWritebackQueue) saveLocked() error {
	data, err := json.Marshal(fileWritebackQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
