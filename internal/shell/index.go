package shell

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ArchiveIndex is the host's content index for saved archives.
type ArchiveIndex interface {
	ListArchives(ctx context.Context) ([]Archive, error)
	ArchiveStats(ctx context.Context, key string) (ArchiveStats, error)
	WriteFlags(ctx context.Context, key string, settings UserSettings) error
	RemoveArchive(ctx context.Context, key string) error
}

// ArchiveSeeder is implemented by the bundled index backends so they can be
// populated outside of the host.
type ArchiveSeeder interface {
	PutArchive(ctx context.Context, archive Archive) error
}

type DownloadManager interface {
	ListDownloads(ctx context.Context) ([]Download, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Open(ctx context.Context, id string) error
	ShowInFolder(ctx context.Context, id string) error
}

type Source struct {
	Href  string `json:"href"`
	Title string `json:"title"`
}

type Site struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Subscription is one site's published subscription record. Href and Title
// describe the subscribed-to site; Site is the subscriber.
type Subscription struct {
	Href  string `json:"href"`
	Title string `json:"title"`
	Site  Site   `json:"site"`
}

// AddressBook is the user's social graph. ListSources returns the sites the
// user follows; LoadProfile returns the user's own site, which is not one of
// them.
type AddressBook interface {
	LoadProfile(ctx context.Context) (Site, error)
	ListSources(ctx context.Context) ([]Source, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	AddSubscription(ctx context.Context, href, title string) error
}

// MemoryArchiveIndex is an in-process ArchiveIndex. Stats default to zero
// values for archives that have none recorded.
type MemoryArchiveIndex struct {
	mu       sync.RWMutex
	archives map[string]Archive
	stats    map[string]ArchiveStats
}

func NewMemoryArchiveIndex(seed ...Archive) *MemoryArchiveIndex {
	idx := &MemoryArchiveIndex{
		archives: map[string]Archive{},
		stats:    map[string]ArchiveStats{},
	}
	for _, archive := range seed {
		_ = idx.PutArchive(context.Background(), archive)
	}
	return idx
}

func (m *MemoryArchiveIndex) ListArchives(ctx context.Context) ([]Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Archive, 0, len(m.archives))
	for _, archive := range m.archives {
		archive.Stats = nil
		out = append(out, archive)
	}
	slices.SortFunc(out, func(a, b Archive) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (m *MemoryArchiveIndex) ArchiveStats(ctx context.Context, key string) (ArchiveStats, error) {
	if err := ctx.Err(); err != nil {
		return ArchiveStats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.archives[key]; !ok {
		return ArchiveStats{}, fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	return m.stats[key], nil
}

func (m *MemoryArchiveIndex) WriteFlags(ctx context.Context, key string, settings UserSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	archive, ok := m.archives[key]
	if !ok {
		return fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	archive.UserSettings = settings
	m.archives[key] = archive
	return nil
}

func (m *MemoryArchiveIndex) RemoveArchive(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, key)
	delete(m.stats, key)
	return nil
}

func (m *MemoryArchiveIndex) PutArchive(ctx context.Context, archive Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(archive.Key) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if archive.Stats != nil {
		m.stats[archive.Key] = *archive.Stats
	}
	archive.Stats = nil
	m.archives[archive.Key] = archive
	return nil
}
