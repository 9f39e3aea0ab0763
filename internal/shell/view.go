package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/shellsync/internal/metrics"
	"github.com/agentworkforce/shellsync/internal/reconcile"
)

type Options struct {
	Index       ArchiveIndex
	Downloads   DownloadManager
	AddressBook AddressBook
	Events      EventSource

	// Writer receives flag writes. When nil, writes go straight to Index
	// through a private FlagWriter that the view starts and closes.
	Writer *FlagWriter

	Validator             *EventValidator
	SearchDebounce        time.Duration
	EnrichmentConcurrency int
	SuggestionCount       int
	Rand                  *rand.Rand
	Logger                *slog.Logger
	Metrics               *metrics.Recorder
}

// View owns everything the Downloads and Desktop screens render: the
// download and archive stores, suggestion groups, the search query and the
// listeners that are told when any of it changes.
type View struct {
	index       ArchiveIndex
	downloads   DownloadManager
	addressBook AddressBook

	downloadStore *reconcile.Store[Download]
	archiveStore  *reconcile.Store[Archive]
	lifecycle     *reconcile.Lifecycle
	search        *reconcile.Debouncer[string]
	subscriber    *Subscriber
	loader        *ArchiveLoader
	flags         *FlagController
	writer        *FlagWriter
	ownsWriter    bool

	suggestionCount int
	rng             *rand.Rand
	logger          *slog.Logger
	metrics         *metrics.Recorder

	mu          sync.Mutex
	suggestions []Suggestion
	query       string
	listeners   map[uint64]func(seq uint64)
	nextID      uint64
	seq         atomic.Uint64

	ctx        context.Context
	cancel     context.CancelFunc
	stopEvents context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func NewView(opts Options) *View {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	suggestionCount := opts.SuggestionCount
	if suggestionCount <= 0 {
		suggestionCount = DefaultSuggestionCount
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		index:           opts.Index,
		downloads:       opts.Downloads,
		addressBook:     opts.AddressBook,
		downloadStore:   reconcile.NewStore[Download](),
		archiveStore:    reconcile.NewStore[Archive](),
		lifecycle:       reconcile.NewLifecycle(),
		suggestionCount: suggestionCount,
		rng:             opts.Rand,
		logger:          logger,
		metrics:         opts.Metrics,
		listeners:       map[uint64]func(uint64){},
		ctx:             ctx,
		cancel:          cancel,
	}
	v.search = reconcile.NewDebouncer(opts.SearchDebounce, v.applySearch)
	v.subscriber = NewSubscriber(opts.Events, v.downloadStore, v.lifecycle, v.render, SubscriberOptions{
		Validator: opts.Validator,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	if opts.Index != nil {
		v.loader = NewArchiveLoader(opts.Index, v.archiveStore, v.lifecycle, v.render, LoaderOptions{
			Concurrency: opts.EnrichmentConcurrency,
			Logger:      logger,
			Metrics:     opts.Metrics,
		})
		v.writer = opts.Writer
		if v.writer == nil {
			v.writer = NewFlagWriter(opts.Index, WriterOptions{Logger: logger, Metrics: opts.Metrics})
			v.ownsWriter = true
		}
	}
	v.flags = NewFlagController(v.archiveStore, v.writer, v.render)
	return v
}

// Start subscribes to download events and then seeds the download store
// from the manager. Fields delivered by an event before the listing returns
// win over the listed values; every other listed field is kept.
func (v *View) Start(ctx context.Context) error {
	if v.ownsWriter {
		v.writer.Start()
	}
	eventsCtx, stop := context.WithCancel(ctx)
	v.mu.Lock()
	v.stopEvents = stop
	v.mu.Unlock()
	if v.downloads != nil {
		v.subscriber.BeginSeed()
	}
	if err := v.subscriber.Start(eventsCtx); err != nil {
		v.subscriber.AbortSeed()
		return err
	}
	if v.downloads == nil {
		return nil
	}
	current, err := v.downloads.ListDownloads(ctx)
	if err != nil {
		v.subscriber.AbortSeed()
		return &FetchError{Op: "list downloads", Err: err}
	}
	v.subscriber.Seed(current)
	if v.lifecycle.Active() {
		v.render()
	}
	return nil
}

// Activate shows the view: it renders what is cached, then loads archives
// and suggestions in the background. It returns the activation generation.
func (v *View) Activate(ctx context.Context) uint64 {
	gen := v.lifecycle.Activate()
	v.render()
	loadCtx, cancel := v.backgroundContext(ctx)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer cancel()
		v.load(loadCtx, gen)
	}()
	return gen
}

// Deactivate hides the view. Archive and suggestion state is dropped and any
// load still in flight is discarded; downloads stay cached.
func (v *View) Deactivate() {
	v.lifecycle.Deactivate(func() {
		v.archiveStore.Reset()
		v.mu.Lock()
		v.suggestions = nil
		v.mu.Unlock()
	})
}

// Reload re-runs the archive and suggestion load for the active view and
// waits for it. It is a no-op while the view is hidden.
func (v *View) Reload(ctx context.Context, trigger string) error {
	if !v.lifecycle.Active() {
		return nil
	}
	gen := v.lifecycle.Generation()
	v.metrics.Reload(trigger)
	return v.load(ctx, gen)
}

func (v *View) load(ctx context.Context, gen uint64) error {
	var items []Archive
	var basicErr error
	if v.loader != nil {
		items, basicErr = v.loader.LoadBasic(ctx, gen)
		if basicErr != nil {
			v.logger.Warn("archive listing failed", "error", basicErr)
		}
	}
	var wg sync.WaitGroup
	if v.loader != nil && basicErr == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.loader.LoadEnrichment(ctx, gen, items)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.loadSuggestions(ctx, gen)
	}()
	wg.Wait()
	return basicErr
}

func (v *View) loadSuggestions(ctx context.Context, gen uint64) {
	if v.addressBook == nil {
		return
	}
	profile, err := v.addressBook.LoadProfile(ctx)
	if err != nil {
		v.logger.Warn("loading profile failed", "error", err)
		return
	}
	followed, err := v.addressBook.ListSources(ctx)
	if err != nil {
		v.logger.Warn("listing sources failed", "error", err)
		return
	}
	sources := SourceOptions(profile, followed)
	subscriptions, err := v.addressBook.ListSubscriptions(ctx)
	if err != nil {
		v.logger.Warn("listing subscriptions failed", "error", err)
		return
	}
	suggestions := BuildSuggestions(sources, subscriptions, v.suggestionCount, v.rng)
	applied := v.lifecycle.Guard(gen, func() {
		v.mu.Lock()
		v.suggestions = suggestions
		v.mu.Unlock()
	})
	if !applied {
		v.metrics.StaleDiscarded()
		return
	}
	v.render()
}

func (v *View) Active() bool {
	return v.lifecycle.Active()
}

// Downloads returns every cached download, newest first.
func (v *View) Downloads() []Download {
	out := v.downloadStore.Snapshot()
	slices.Reverse(out)
	return out
}

func (v *View) DownloadRows() []DownloadRow {
	return ProjectDownloads(v.downloadStore.Snapshot(), v.SearchQuery())
}

func (v *View) Archives() []Archive {
	return v.archiveStore.Snapshot()
}

func (v *View) Suggestions() []Suggestion {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Suggestion, len(v.suggestions))
	for i, s := range v.suggestions {
		s.Subscribers = slices.Clone(s.Subscribers)
		out[i] = s
	}
	return out
}

func (v *View) SearchQuery() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query
}

// NotifySearchInput debounces raw search input. The lower-cased query is
// applied once input has been quiet for the debounce period.
func (v *View) NotifySearchInput(raw string) {
	v.search.Notify(strings.ToLower(strings.TrimSpace(raw)))
}

func (v *View) applySearch(query string) {
	v.mu.Lock()
	v.query = query
	v.mu.Unlock()
	v.render()
}

// OnChange registers fn to be called after every render with the render
// sequence number. The returned func unregisters it.
func (v *View) OnChange(fn func(seq uint64)) func() {
	if fn == nil {
		return func() {}
	}
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

// Seq is the number of renders so far.
func (v *View) Seq() uint64 {
	return v.seq.Load()
}

func (v *View) render() {
	seq := v.seq.Add(1)
	v.metrics.Render()
	v.mu.Lock()
	listeners := make([]func(uint64), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()
	for _, fn := range listeners {
		fn(seq)
	}
}

func (v *View) ToggleServing(key string) (UserSettings, error) {
	return v.flags.ToggleServing(key)
}

func (v *View) ToggleSaved(key string) (UserSettings, error) {
	return v.flags.ToggleSaved(key)
}

func (v *View) RestoreAll() []string {
	return v.flags.RestoreAll()
}

func (v *View) RemoveArchive(ctx context.Context, key string) error {
	if v.index == nil {
		return ErrNotImplemented
	}
	if _, ok := v.archiveStore.Get(key); !ok {
		return fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	if err := v.index.RemoveArchive(ctx, key); err != nil {
		return fmt.Errorf("remove archive %s: %w", key, errors.Join(ErrWriteFailed, err))
	}
	if v.archiveStore.Remove(key) {
		v.render()
	}
	return nil
}

func (v *View) PauseDownload(ctx context.Context, id string) error {
	return v.forwardDownload(id, "pause", func(m DownloadManager) error { return m.Pause(ctx, id) })
}

func (v *View) ResumeDownload(ctx context.Context, id string) error {
	return v.forwardDownload(id, "resume", func(m DownloadManager) error { return m.Resume(ctx, id) })
}

func (v *View) CancelDownload(ctx context.Context, id string) error {
	return v.forwardDownload(id, "cancel", func(m DownloadManager) error { return m.Cancel(ctx, id) })
}

// RemoveDownload drops the download locally and asks the manager to forget
// it. A manager failure is returned but the local removal stands.
func (v *View) RemoveDownload(ctx context.Context, id string) error {
	if !v.downloadStore.Remove(id) {
		return fmt.Errorf("download %s: %w", id, ErrNotFound)
	}
	v.render()
	if v.downloads == nil {
		return nil
	}
	if err := v.downloads.Remove(ctx, id); err != nil {
		v.logger.Warn("download remove failed", "id", id, "error", err)
		return fmt.Errorf("remove download %s: %w", id, errors.Join(ErrWriteFailed, err))
	}
	return nil
}

// OpenDownload asks the manager to open the file. If that fails the download
// is marked FileNotFound.
func (v *View) OpenDownload(ctx context.Context, id string) error {
	return v.fileAction(id, "open", func(m DownloadManager) error { return m.Open(ctx, id) })
}

func (v *View) ShowDownload(ctx context.Context, id string) error {
	return v.fileAction(id, "show", func(m DownloadManager) error { return m.ShowInFolder(ctx, id) })
}

func (v *View) forwardDownload(id, action string, call func(DownloadManager) error) error {
	if _, ok := v.downloadStore.Get(id); !ok {
		return fmt.Errorf("download %s: %w", id, ErrNotFound)
	}
	if v.downloads == nil {
		return ErrNotImplemented
	}
	if err := call(v.downloads); err != nil {
		return fmt.Errorf("%s download %s: %w", action, id, errors.Join(ErrWriteFailed, err))
	}
	return nil
}

func (v *View) fileAction(id, action string, call func(DownloadManager) error) error {
	if _, ok := v.downloadStore.Get(id); !ok {
		return fmt.Errorf("download %s: %w", id, ErrNotFound)
	}
	if v.downloads == nil {
		return ErrNotImplemented
	}
	if err := call(v.downloads); err != nil {
		v.logger.Info("download file unavailable", "id", id, "action", action, "error", err)
		notFound := true
		if v.downloadStore.PatchExisting(DownloadPatch{DownloadID: id, FileNotFound: &notFound}) {
			v.render()
		}
	}
	return nil
}

// SubscribeSuggestion marks the suggestion subscribed and renders, then
// records the subscription with the address book in the background.
func (v *View) SubscribeSuggestion(href string) error {
	var target Suggestion
	found := false
	v.mu.Lock()
	for i := range v.suggestions {
		if v.suggestions[i].URL == href {
			v.suggestions[i].Subscribed = true
			target = v.suggestions[i]
			found = true
			break
		}
	}
	v.mu.Unlock()
	if !found {
		return fmt.Errorf("suggestion %s: %w", href, ErrNotFound)
	}
	v.render()
	if v.addressBook == nil {
		return nil
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		if err := v.addressBook.AddSubscription(v.ctx, target.URL, target.Title); err != nil {
			v.logger.Warn("adding subscription failed", "href", target.URL, "error", err)
		}
	}()
	return nil
}

// Wait blocks until background loads and subscription writes finish.
func (v *View) Wait() {
	v.wg.Wait()
}

// Close stops event consumption and background work and tears the stores
// down. Late events after Close are ignored.
func (v *View) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.lifecycle.Deactivate(nil)
		v.search.Stop()
		v.mu.Lock()
		stop := v.stopEvents
		v.listeners = map[uint64]func(uint64){}
		v.suggestions = nil
		v.mu.Unlock()
		if stop != nil {
			stop()
		}
		v.cancel()
		v.subscriber.Wait()
		v.wg.Wait()
		v.downloadStore.Close()
		v.archiveStore.Close()
		if v.ownsWriter {
			err = v.writer.Close()
		}
	})
	return err
}

// backgroundContext keeps values from ctx but ends with the view rather than
// with the caller.
func (v *View) backgroundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(v.ctx, cancel)
	return loadCtx, func() {
		stop()
		cancel()
	}
}
