package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/shellsync/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIndex struct {
	mu         sync.Mutex
	archives   []Archive
	stats      map[string]ArchiveStats
	statsErr   map[string]error
	listErr    error
	writeErrs  []error
	writes     []flagCall
	removed    []string
	statsGate  chan struct{}
	statsCalls atomic.Int32
}

type flagCall struct {
	Key      string
	Settings UserSettings
}

func newFakeIndex(archives ...Archive) *fakeIndex {
	return &fakeIndex{
		archives: archives,
		stats:    map[string]ArchiveStats{},
		statsErr: map[string]error{},
	}
}

func (f *fakeIndex) ListArchives(ctx context.Context) ([]Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Archive(nil), f.archives...), nil
}

func (f *fakeIndex) ArchiveStats(ctx context.Context, key string) (ArchiveStats, error) {
	f.statsCalls.Add(1)
	f.mu.Lock()
	gate := f.statsGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ArchiveStats{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statsErr[key]; err != nil {
		return ArchiveStats{}, err
	}
	return f.stats[key], nil
}

func (f *fakeIndex) WriteFlags(ctx context.Context, key string, settings UserSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, flagCall{Key: key, Settings: settings})
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeIndex) RemoveArchive(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeIndex) writeCalls() []flagCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flagCall(nil), f.writes...)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []flagCall
}

func (r *recordingSubmitter) Submit(key string, settings UserSettings) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, flagCall{Key: key, Settings: settings})
	return true
}

func (r *recordingSubmitter) snapshot() []flagCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flagCall(nil), r.calls...)
}

type fakeManager struct {
	mu        sync.Mutex
	downloads []Download
	listErr   error
	actionErr map[string]error
	calls     []string
	// beforeList runs at the start of ListDownloads, outside the lock.
	beforeList func()
}

func (m *fakeManager) ListDownloads(ctx context.Context) ([]Download, error) {
	if m.beforeList != nil {
		m.beforeList()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]Download(nil), m.downloads...), nil
}

func (m *fakeManager) record(action, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, action+":"+id)
	return m.actionErr[action]
}

func (m *fakeManager) Pause(ctx context.Context, id string) error  { return m.record("pause", id) }
func (m *fakeManager) Resume(ctx context.Context, id string) error { return m.record("resume", id) }
func (m *fakeManager) Cancel(ctx context.Context, id string) error { return m.record("cancel", id) }
func (m *fakeManager) Remove(ctx context.Context, id string) error { return m.record("remove", id) }
func (m *fakeManager) Open(ctx context.Context, id string) error   { return m.record("open", id) }
func (m *fakeManager) ShowInFolder(ctx context.Context, id string) error {
	return m.record("show", id)
}

func (m *fakeManager) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeBook struct {
	mu            sync.Mutex
	profile       Site
	profileErr    error
	sources       []Source
	subscriptions []Subscription
	added         []string
}

func (b *fakeBook) LoadProfile(ctx context.Context) (Site, error) {
	return b.profile, b.profileErr
}

func (b *fakeBook) ListSources(ctx context.Context) ([]Source, error) {
	return b.sources, nil
}

func (b *fakeBook) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	return b.subscriptions, nil
}

func (b *fakeBook) AddSubscription(ctx context.Context, href, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, href)
	return nil
}

func (b *fakeBook) addedHrefs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.added...)
}

type chanSource struct {
	ch  chan Event
	err error
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan Event, 16)}
}

func (s *chanSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

var errBoom = errors.New("boom")

func counterValue(t *testing.T, r *metrics.Recorder, name string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
