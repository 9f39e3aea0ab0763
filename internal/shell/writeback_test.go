package shell

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/shellsync/internal/metrics"
)

func TestFlagWriterRetriesOnceThenSucceeds(t *testing.T) {
	index := newFakeIndex(Archive{Key: "k"})
	index.writeErrs = []error{errBoom}
	rec := metrics.New()
	w := NewFlagWriter(index, WriterOptions{RetryDelay: time.Millisecond, Logger: discardLogger(), Metrics: rec})
	w.Start()
	defer w.Close()

	if !w.Submit("k", UserSettings{IsSaved: true}) {
		t.Fatalf("expected submit to be accepted")
	}
	waitFor(t, "two write attempts", func() bool { return len(index.writeCalls()) == 2 })
	waitFor(t, "ok counter", func() bool { return counterValue(t, rec, "shellsync_flag_writes_total") == 2 })
}

func TestFlagWriterGivesUpAfterMaxAttempts(t *testing.T) {
	index := newFakeIndex(Archive{Key: "k"})
	index.writeErrs = []error{errBoom, errBoom, errBoom}
	rec := metrics.New()
	w := NewFlagWriter(index, WriterOptions{RetryDelay: time.Millisecond, Logger: discardLogger(), Metrics: rec})
	w.Start()

	w.Submit("k", UserSettings{IsSaved: true})
	waitFor(t, "failed counter", func() bool {
		return counterValue(t, rec, "shellsync_flag_writes_total") == 2
	})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(index.writeCalls()); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestFlagWriterDoesNotRetryNotFound(t *testing.T) {
	index := newFakeIndex()
	index.writeErrs = []error{ErrNotFound}
	w := NewFlagWriter(index, WriterOptions{RetryDelay: time.Millisecond, Logger: discardLogger()})
	w.Start()
	w.Submit("gone", UserSettings{})
	waitFor(t, "one attempt", func() bool { return len(index.writeCalls()) == 1 })
	_ = w.Close()
	if got := len(index.writeCalls()); got != 1 {
		t.Fatalf("expected a single attempt for missing archive, got %d", got)
	}
}

func TestFlagWriterSubmitAfterClose(t *testing.T) {
	w := NewFlagWriter(newFakeIndex(), WriterOptions{Logger: discardLogger()})
	_ = w.Close()
	if w.Submit("k", UserSettings{}) {
		t.Fatalf("expected submit after close to be refused")
	}
}

func TestInMemoryWritebackQueueCapacity(t *testing.T) {
	q := NewInMemoryWritebackQueue(1)
	if !q.TryEnqueue(FlagWrite{OpID: "1"}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if q.TryEnqueue(FlagWrite{OpID: "2"}) {
		t.Fatalf("expected full queue to refuse")
	}
	if q.TryEnqueue(FlagWrite{}) {
		t.Fatalf("expected empty op id to be refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if q.Enqueue(ctx, FlagWrite{OpID: "3"}) {
		t.Fatalf("expected blocking enqueue to time out")
	}
	task, ok := q.Dequeue(context.Background())
	if !ok || task.OpID != "1" {
		t.Fatalf("expected op 1, got %+v", task)
	}
}

func TestFileWritebackQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writeback.json")
	q, err := NewFileWritebackQueue(path, 10)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	q.TryEnqueue(FlagWrite{OpID: "a", Key: "k1", Settings: UserSettings{IsSaved: true}})
	q.TryEnqueue(FlagWrite{OpID: "b", Key: "k2"})

	reopened, err := NewFileWritebackQueue(path, 10)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected 2 persisted items, got %d", reopened.Depth())
	}
	task, ok := reopened.Dequeue(context.Background())
	if !ok || task.OpID != "a" || !task.Settings.IsSaved {
		t.Fatalf("expected op a first, got %+v", task)
	}

	again, err := NewFileWritebackQueue(path, 10)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if again.Depth() != 1 {
		t.Fatalf("expected dequeue to persist, got depth %d", again.Depth())
	}
}

func TestFileWritebackQueueTrimsToCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writeback.json")
	q, _ := NewFileWritebackQueue(path, 5)
	for _, id := range []string{"1", "2", "3"} {
		q.TryEnqueue(FlagWrite{OpID: id})
	}
	small, err := NewFileWritebackQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	task, _ := small.Dequeue(context.Background())
	if task.OpID != "2" {
		t.Fatalf("expected oldest item dropped, got %+v", task)
	}
}

func TestFlagWriterDrainsDurableQueueOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writeback.json")
	q, _ := NewFileWritebackQueue(path, 10)
	q.TryEnqueue(FlagWrite{OpID: "left-over", Key: "k", Settings: UserSettings{IsSaved: true}})

	index := newFakeIndex(Archive{Key: "k"})
	reopened, _ := NewFileWritebackQueue(path, 10)
	w := NewFlagWriter(index, WriterOptions{Queue: reopened, Logger: discardLogger()})
	w.Start()
	defer w.Close()
	waitFor(t, "left-over write", func() bool { return len(index.writeCalls()) == 1 })
}

func TestBuildWritebackQueueFromDSN(t *testing.T) {
	q, err := BuildWritebackQueueFromDSN("memory://", 4)
	if err != nil || q.Capacity() != 4 {
		t.Fatalf("expected memory queue, got %v %v", q, err)
	}
	path := filepath.Join(t.TempDir(), "q.json")
	if _, err := BuildWritebackQueueFromDSN("file://"+path, 4); err != nil {
		t.Fatalf("file queue: %v", err)
	}
	if _, err := BuildWritebackQueueFromDSN("postgres://localhost/db", 4); err == nil || errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected postgres to be an unsupported queue scheme, got %v", err)
	}
	if _, err := BuildWritebackQueueFromDSN("gopher://x", 4); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if q, err := BuildWritebackQueueFromDSN("", 4); q != nil || err != nil {
		t.Fatalf("expected nil queue for empty dsn")
	}
}
