package shell

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"
)

type viewHarness struct {
	view    *View
	index   *fakeIndex
	manager *fakeManager
	book    *fakeBook
	events  *chanSource
}

func newViewHarness(t *testing.T) *viewHarness {
	t.Helper()
	h := &viewHarness{
		index: newFakeIndex(
			Archive{Key: "old", Title: "Old", MTime: 1},
			Archive{Key: "new", Title: "New", MTime: 2},
			Archive{Key: "mine", Title: "Mine", MTime: 3, IsOwner: true},
		),
		manager: &fakeManager{actionErr: map[string]error{}},
		book: &fakeBook{
			subscriptions: []Subscription{
				{Href: "hyper://carol.example/", Title: "Carol", Site: Site{Title: "Bob"}},
			},
		},
		events: newChanSource(),
	}
	h.index.stats["new"] = ArchiveStats{Peers: 2}
	h.view = NewView(Options{
		Index:          h.index,
		Downloads:      h.manager,
		AddressBook:    h.book,
		Events:         h.events,
		SearchDebounce: 10 * time.Millisecond,
		Rand:           rand.New(rand.NewPCG(1, 2)),
		Logger:         discardLogger(),
	})
	t.Cleanup(func() { _ = h.view.Close() })
	return h
}

func (h *viewHarness) start(t *testing.T) {
	t.Helper()
	if err := h.view.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *viewHarness) activate(t *testing.T) {
	t.Helper()
	h.view.Activate(context.Background())
	h.view.Wait()
}

func TestViewActivateLoadsArchivesAndSuggestions(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	h.activate(t)

	archives := h.view.Archives()
	if len(archives) != 2 || archives[0].Key != "new" || archives[1].Key != "old" {
		t.Fatalf("expected [new old], got %+v", archives)
	}
	if archives[0].Stats == nil || archives[0].Stats.Peers != 2 {
		t.Fatalf("expected enriched stats on new, got %+v", archives[0].Stats)
	}
	suggestions := h.view.Suggestions()
	if len(suggestions) != 1 || suggestions[0].URL != "hyper://carol.example/" {
		t.Fatalf("unexpected suggestions %+v", suggestions)
	}
	if !h.view.Active() {
		t.Fatalf("expected view to be active")
	}
}

func TestViewDeactivateDropsArchivesKeepsDownloads(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{{ID: "d1", Name: "a.txt", State: DownloadCompleted}}
	h.start(t)
	h.activate(t)

	h.view.Deactivate()
	if got := h.view.Archives(); len(got) != 0 {
		t.Fatalf("expected archives dropped, got %+v", got)
	}
	if got := h.view.Suggestions(); len(got) != 0 {
		t.Fatalf("expected suggestions dropped, got %+v", got)
	}
	if got := h.view.Downloads(); len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("expected downloads kept, got %+v", got)
	}
}

func TestViewReactivationAfterConcurrentDeactivateKeepsArchives(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	h.activate(t)

	for i := 0; i < 20; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			h.view.Deactivate()
		}()
		h.view.Activate(context.Background())
		<-done
	}
	h.activate(t)

	if got := h.view.Archives(); len(got) != 2 {
		t.Fatalf("expected archives after final activation, got %+v", got)
	}
}

func TestViewSuggestionsExcludeProfileSite(t *testing.T) {
	h := newViewHarness(t)
	h.book.profile = Site{URL: "hyper://me.example/", Title: "Me"}
	h.book.subscriptions = append(h.book.subscriptions,
		Subscription{Href: "hyper://me.example/", Title: "Me", Site: Site{Title: "Bob"}})
	h.start(t)
	h.activate(t)

	suggestions := h.view.Suggestions()
	if len(suggestions) != 1 || suggestions[0].URL != "hyper://carol.example/" {
		t.Fatalf("expected own site excluded, got %+v", suggestions)
	}
}

func TestViewSuggestionsSkippedWhenProfileFails(t *testing.T) {
	h := newViewHarness(t)
	h.book.profileErr = errBoom
	h.start(t)
	h.activate(t)

	if got := h.view.Suggestions(); len(got) != 0 {
		t.Fatalf("expected no suggestions without a profile, got %+v", got)
	}
	if got := h.view.Archives(); len(got) != 2 {
		t.Fatalf("expected archives still loaded, got %+v", got)
	}
}

func TestViewStartKeepsEventStateOverListing(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{
		{ID: "d1", Name: "a.bin", State: DownloadQueued, TotalBytes: 100},
		{ID: "d2", Name: "b.bin", State: DownloadCompleted},
	}
	h.events.ch <- Event{Kind: EventUpdated, ID: "d1", Fields: json.RawMessage(`{"state":"progressing"}`)}
	h.manager.beforeList = func() {
		waitFor(t, "event applied", func() bool {
			_, ok := h.view.downloadStore.Get("d1")
			return ok
		})
	}
	h.start(t)

	d1, _ := h.view.downloadStore.Get("d1")
	if d1.State != DownloadProgressing {
		t.Fatalf("expected event state to win, got %q", d1.State)
	}
	if d1.Name != "a.bin" || d1.TotalBytes != 100 {
		t.Fatalf("expected listed fields to survive under the event, got %+v", d1)
	}
	if _, ok := h.view.downloadStore.Get("d2"); !ok {
		t.Fatalf("expected listed download d2 to be seeded")
	}
}

func TestViewStartFillsPartialEventFromListing(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{
		{ID: "d1", Name: "a.bin", State: DownloadProgressing, ReceivedBytes: 5, TotalBytes: 100},
	}
	h.events.ch <- Event{Kind: EventUpdated, ID: "d1", Fields: json.RawMessage(`{"receivedBytes":10}`)}
	h.manager.beforeList = func() {
		waitFor(t, "event applied", func() bool {
			_, ok := h.view.downloadStore.Get("d1")
			return ok
		})
	}
	h.start(t)

	d1, _ := h.view.downloadStore.Get("d1")
	if d1.ReceivedBytes != 10 {
		t.Fatalf("expected event bytes to win, got %d", d1.ReceivedBytes)
	}
	if d1.Name != "a.bin" || d1.State != DownloadProgressing || d1.TotalBytes != 100 {
		t.Fatalf("expected listing fields kept, got %+v", d1)
	}
	rows := h.view.DownloadRows()
	if len(rows) != 1 || rows[0].Status == "" || rows[0].Progress == "" {
		t.Fatalf("expected a rendered row with status and progress, got %+v", rows)
	}
}

func TestViewEventsAfterSeedingOverlayNormally(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{{ID: "d1", Name: "a.bin", State: DownloadProgressing, TotalBytes: 100}}
	h.start(t)

	h.events.ch <- Event{Kind: EventUpdated, ID: "d1", Fields: json.RawMessage(`{"receivedBytes":40}`)}
	waitFor(t, "event applied", func() bool {
		d, _ := h.view.downloadStore.Get("d1")
		return d.ReceivedBytes == 40
	})
	d1, _ := h.view.downloadStore.Get("d1")
	if d1.Name != "a.bin" || d1.TotalBytes != 100 {
		t.Fatalf("expected listed fields kept, got %+v", d1)
	}
}

func TestViewStartReportsListingFailure(t *testing.T) {
	h := newViewHarness(t)
	h.manager.listErr = errBoom
	if err := h.view.Start(context.Background()); !errors.Is(err, ErrFetchFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}

func TestViewEventsRenderOnlyWhileActive(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	before := h.view.Seq()
	h.events.ch <- Event{Kind: EventCreated, ID: "d1", Fields: json.RawMessage(`{"name":"x"}`)}
	waitFor(t, "hidden event applied", func() bool { return len(h.view.Downloads()) == 1 })
	if h.view.Seq() != before {
		t.Fatalf("expected no render while hidden")
	}

	h.activate(t)
	seq := h.view.Seq()
	h.events.ch <- Event{Kind: EventDone, ID: "d1", Fields: json.RawMessage(`{"state":"completed"}`)}
	waitFor(t, "render after event", func() bool { return h.view.Seq() > seq })
}

func TestViewSearchIsDebouncedAndLowerCased(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{
		{ID: "d1", Name: "report.pdf", State: DownloadCompleted},
		{ID: "d2", Name: "photo.png", State: DownloadCompleted},
	}
	h.start(t)
	var renders atomic.Int32
	h.view.OnChange(func(uint64) { renders.Add(1) })

	h.view.NotifySearchInput("R")
	h.view.NotifySearchInput("RE")
	h.view.NotifySearchInput(" REPORT ")
	waitFor(t, "search applied", func() bool { return h.view.SearchQuery() == "report" })
	time.Sleep(30 * time.Millisecond)
	if got := renders.Load(); got != 1 {
		t.Fatalf("expected one render for the burst, got %d", got)
	}
	rows := h.view.DownloadRows()
	if len(rows) != 1 || rows[0].ID != "d1" {
		t.Fatalf("expected only report row, got %+v", rows)
	}
}

func TestViewOpenFailureMarksFileNotFound(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{{ID: "d1", Name: "gone.zip", State: DownloadCompleted}}
	h.manager.actionErr["open"] = errBoom
	h.start(t)

	if err := h.view.OpenDownload(context.Background(), "d1"); err != nil {
		t.Fatalf("expected open failure to be absorbed, got %v", err)
	}
	d, _ := h.view.downloadStore.Get("d1")
	if !d.FileNotFound {
		t.Fatalf("expected FileNotFound marker, got %+v", d)
	}
	if err := h.view.ShowDownload(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown download, got %v", err)
	}
}

func TestViewForwardsDownloadActions(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{{ID: "d1", State: DownloadProgressing}}
	h.start(t)
	ctx := context.Background()
	if err := h.view.PauseDownload(ctx, "d1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.view.ResumeDownload(ctx, "d1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.manager.actionErr["cancel"] = errBoom
	if err := h.view.CancelDownload(ctx, "d1"); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	got := h.manager.callLog()
	want := []string{"pause:d1", "resume:d1", "cancel:d1"}
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}

func TestViewRemoveDownloadKeepsLocalRemovalOnManagerError(t *testing.T) {
	h := newViewHarness(t)
	h.manager.downloads = []Download{{ID: "d1"}, {ID: "d2"}}
	h.manager.actionErr["remove"] = errBoom
	h.start(t)

	if err := h.view.RemoveDownload(context.Background(), "d1"); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if _, ok := h.view.downloadStore.Get("d1"); ok {
		t.Fatalf("expected d1 removed locally")
	}
	if err := h.view.RemoveDownload(context.Background(), "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestViewRemoveArchive(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	h.activate(t)

	if err := h.view.RemoveArchive(context.Background(), "old"); err != nil {
		t.Fatalf("remove archive: %v", err)
	}
	if got := h.view.Archives(); len(got) != 1 || got[0].Key != "new" {
		t.Fatalf("expected only new left, got %+v", got)
	}
	if err := h.view.RemoveArchive(context.Background(), "mine"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for archive not shown, got %v", err)
	}
}

func TestViewToggleWritesThroughIndex(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	h.activate(t)

	settings, err := h.view.ToggleServing("old")
	if err != nil {
		t.Fatalf("toggle serving: %v", err)
	}
	if !settings.IsServing || !settings.IsSaved {
		t.Fatalf("expected serving to imply saved, got %+v", settings)
	}
	waitFor(t, "flag write", func() bool { return len(h.index.writeCalls()) == 1 })
	if call := h.index.writeCalls()[0]; call.Key != "old" || !call.Settings.IsSaved {
		t.Fatalf("unexpected write %+v", call)
	}
}

func TestViewSubscribeSuggestion(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	h.activate(t)

	if err := h.view.SubscribeSuggestion("hyper://carol.example/"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if s := h.view.Suggestions(); len(s) != 1 || !s[0].Subscribed {
		t.Fatalf("expected suggestion marked subscribed, got %+v", s)
	}
	h.view.Wait()
	if got := h.book.addedHrefs(); len(got) != 1 || got[0] != "hyper://carol.example/" {
		t.Fatalf("expected subscription recorded, got %v", got)
	}
	if err := h.view.SubscribeSuggestion("hyper://nobody/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestViewReloadIsNoopWhileHidden(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	if err := h.view.Reload(context.Background(), "manual"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := h.view.Archives(); len(got) != 0 {
		t.Fatalf("expected no archives loaded while hidden, got %+v", got)
	}

	h.activate(t)
	h.index.mu.Lock()
	h.index.archives = append(h.index.archives, Archive{Key: "newest", MTime: 9})
	h.index.mu.Unlock()
	if err := h.view.Reload(context.Background(), "manual"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := h.view.Archives(); len(got) != 3 || got[0].Key != "newest" {
		t.Fatalf("expected reload to pick up newest, got %+v", got)
	}
}

func TestViewCloseIgnoresLateEvents(t *testing.T) {
	h := newViewHarness(t)
	h.start(t)
	if err := h.view.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.events.ch <- Event{Kind: EventCreated, ID: "late"}
	time.Sleep(20 * time.Millisecond)
	if got := h.view.Downloads(); len(got) != 0 {
		t.Fatalf("expected late event ignored, got %+v", got)
	}
	if err := h.view.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestViewOnChangeUnsubscribe(t *testing.T) {
	h := newViewHarness(t)
	var calls atomic.Int32
	unsubscribe := h.view.OnChange(func(uint64) { calls.Add(1) })
	h.view.render()
	unsubscribe()
	h.view.render()
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one call before unsubscribe, got %d", got)
	}
	if h.view.Seq() != 2 {
		t.Fatalf("expected seq 2, got %d", h.view.Seq())
	}
}
