package shell

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/agentworkforce/shellsync/internal/metrics"
	"github.com/agentworkforce/shellsync/internal/reconcile"
	"golang.org/x/sync/errgroup"
)

const defaultEnrichmentConcurrency = 8

type LoaderOptions struct {
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// ArchiveLoader fills the archive store in two passes: a bulk listing that
// is rendered immediately, then per-archive stats that patch in as they
// arrive. Every write is checked against the lifecycle generation the load
// started under.
type ArchiveLoader struct {
	index       ArchiveIndex
	store       *reconcile.Store[Archive]
	lifecycle   *reconcile.Lifecycle
	render      func()
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

func NewArchiveLoader(index ArchiveIndex, store *reconcile.Store[Archive], lifecycle *reconcile.Lifecycle, render func(), opts LoaderOptions) *ArchiveLoader {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultEnrichmentConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if render == nil {
		render = func() {}
	}
	return &ArchiveLoader{
		index:       index,
		store:       store,
		lifecycle:   lifecycle,
		render:      render,
		concurrency: concurrency,
		logger:      logger,
		metrics:     opts.Metrics,
	}
}

// LoadBasic lists archives, drops the ones the user owns, orders them newest
// first and reconciles the store against the result. Stats already in the
// store are kept until enrichment replaces them.
func (l *ArchiveLoader) LoadBasic(ctx context.Context, gen uint64) ([]Archive, error) {
	archives, err := l.index.ListArchives(ctx)
	if err != nil {
		return nil, &FetchError{Op: "list archives", Err: err}
	}
	visible := make([]Archive, 0, len(archives))
	for _, archive := range archives {
		if archive.IsOwner || archive.Key == "" {
			continue
		}
		visible = append(visible, archive)
	}
	slices.SortStableFunc(visible, func(a, b Archive) int {
		return cmp.Compare(b.MTime, a.MTime)
	})

	patches := make([]reconcile.Patch[Archive], 0, len(visible))
	for _, archive := range visible {
		p := archive.Patch()
		p.Stats = nil
		patches = append(patches, p)
	}
	applied := l.lifecycle.Guard(gen, func() {
		l.store.ReplaceAll(patches)
	})
	if !applied {
		l.metrics.StaleDiscarded()
		return visible, nil
	}
	l.renderIfCurrent(gen)
	return visible, nil
}

// LoadEnrichment fetches stats for every item concurrently. A failed fetch
// is logged and skipped; results for a generation that is no longer current
// are dropped.
func (l *ArchiveLoader) LoadEnrichment(ctx context.Context, gen uint64, items []Archive) {
	if len(items) == 0 {
		return
	}
	started := time.Now()
	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for _, item := range items {
		key := item.Key
		g.Go(func() error {
			if !l.lifecycle.IsCurrent(gen) {
				l.metrics.StaleDiscarded()
				return nil
			}
			stats, err := l.index.ArchiveStats(ctx, key)
			if err != nil {
				l.metrics.EnrichmentFailed()
				l.logger.Warn("archive stats fetch failed", "key", key, "error", err)
				return nil
			}
			applied := l.lifecycle.Guard(gen, func() {
				l.store.PatchExisting(statsPatch(key, stats))
			})
			if !applied {
				l.metrics.StaleDiscarded()
			}
			return nil
		})
	}
	_ = g.Wait()
	l.metrics.ObserveEnrichment(time.Since(started))
	l.renderIfCurrent(gen)
}

// Load runs both passes in order.
func (l *ArchiveLoader) Load(ctx context.Context, gen uint64) error {
	items, err := l.LoadBasic(ctx, gen)
	if err != nil {
		return err
	}
	l.LoadEnrichment(ctx, gen, items)
	return nil
}

func (l *ArchiveLoader) renderIfCurrent(gen uint64) {
	if l.lifecycle.IsCurrent(gen) {
		l.render()
	}
}
