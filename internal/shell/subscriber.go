package shell

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentworkforce/shellsync/internal/metrics"
	"github.com/agentworkforce/shellsync/internal/reconcile"
)

type SubscriberOptions struct {
	Validator *EventValidator
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Subscriber applies download events to the store. Events are applied
// whether or not the view is visible; render is only called while it is.
type Subscriber struct {
	source    EventSource
	store     *reconcile.Store[Download]
	lifecycle *reconcile.Lifecycle
	render    func()
	validator *EventValidator
	logger    *slog.Logger
	metrics   *metrics.Recorder

	// journal holds the fields events carried per id while a listing is in
	// flight; nil when no listing is pending.
	mu      sync.Mutex
	journal map[string]DownloadPatch

	wg sync.WaitGroup
}

func NewSubscriber(source EventSource, store *reconcile.Store[Download], lifecycle *reconcile.Lifecycle, render func(), opts SubscriberOptions) *Subscriber {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if render == nil {
		render = func() {}
	}
	return &Subscriber{
		source:    source,
		store:     store,
		lifecycle: lifecycle,
		render:    render,
		validator: opts.Validator,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Start subscribes and consumes events in the background until the channel
// closes or ctx ends. Subscription errors are returned synchronously.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	events, err := s.source.Subscribe(ctx)
	if err != nil {
		return &FetchError{Op: "subscribe download events", Err: err}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, events)
	}()
	return nil
}

func (s *Subscriber) Wait() {
	s.wg.Wait()
}

func (s *Subscriber) consume(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Info("download event stream closed")
				return
			}
			if err := s.Apply(ev); err != nil {
				s.logger.Warn("dropping download event", "kind", ev.Kind, "id", ev.ID, "error", err)
			}
		}
	}
}

// Apply folds one event into the store. A created event is applied the same
// way as an update so a missed or reordered create still ends up visible.
func (s *Subscriber) Apply(ev Event) error {
	if err := s.validator.ValidateEvent(ev); err != nil {
		s.metrics.EventRejected()
		return err
	}
	kind := NormalizeEventKind(string(ev.Kind))
	if kind == "" {
		s.metrics.EventRejected()
		return errors.Join(ErrInvalidInput, errors.New("unknown event kind "+string(ev.Kind)))
	}
	patch, err := DecodeDownloadPatch(ev.ID, ev.Fields)
	if err != nil {
		s.metrics.EventRejected()
		return err
	}
	s.mu.Lock()
	applied := s.store.Upsert(patch)
	if applied && s.journal != nil {
		s.journal[patch.DownloadID] = s.journal[patch.DownloadID].Overlay(patch)
	}
	s.mu.Unlock()
	if !applied {
		return nil
	}
	s.metrics.EventApplied(string(kind))
	if s.lifecycle == nil || s.lifecycle.Active() {
		s.render()
	}
	return nil
}

// BeginSeed starts recording event fields so a listing fetched afterwards can
// be laid underneath them by Seed.
func (s *Subscriber) BeginSeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = map[string]DownloadPatch{}
}

// Seed merges a full listing into the store. A record that events already
// touched takes the listing as its base with the event fields on top; other
// records are inserted as listed. Seed ends recording.
func (s *Subscriber) Seed(listing []Download) {
	s.mu.Lock()
	defer s.mu.Unlock()
	journal := s.journal
	s.journal = nil
	for _, d := range listing {
		if d.ID == "" {
			continue
		}
		if s.store.Insert(d.Patch()) {
			continue
		}
		carried, ok := journal[d.ID]
		if !ok {
			continue
		}
		carried.DownloadID = d.ID
		base := d
		s.store.Update(d.ID, func(Download) Download {
			return carried.Apply(base)
		})
	}
}

// AbortSeed stops recording without merging anything.
func (s *Subscriber) AbortSeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = nil
}
