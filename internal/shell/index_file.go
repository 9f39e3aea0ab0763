package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FileArchiveIndex keeps archives in one JSON document. The file is re-read
// on every call so external edits are picked up by the next reload.
type FileArchiveIndex struct {
	Path string

	mu sync.Mutex
}

type fileArchiveIndexState struct {
	Archives []Archive              `json:"archives"`
	Stats    map[string]ArchiveStats `json:"stats,omitempty"`
}

func NewFileArchiveIndex(path string) (*FileArchiveIndex, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileArchiveIndex{Path: path}, nil
}

func (f *FileArchiveIndex) ListArchives(ctx context.Context) ([]Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadLocked()
	if err != nil {
		return nil, &FetchError{Op: "list archives", Err: err}
	}
	out := make([]Archive, 0, len(state.Archives))
	for _, archive := range state.Archives {
		archive.Stats = nil
		out = append(out, archive)
	}
	return out, nil
}

func (f *FileArchiveIndex) ArchiveStats(ctx context.Context, key string) (ArchiveStats, error) {
	if err := ctx.Err(); err != nil {
		return ArchiveStats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadLocked()
	if err != nil {
		return ArchiveStats{}, &FetchError{Op: "archive stats", Key: key, Err: err}
	}
	if findArchive(state.Archives, key) < 0 {
		return ArchiveStats{}, fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	return state.Stats[key], nil
}

func (f *FileArchiveIndex) WriteFlags(ctx context.Context, key string, settings UserSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadLocked()
	if err != nil {
		return err
	}
	i := findArchive(state.Archives, key)
	if i < 0 {
		return fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	state.Archives[i].UserSettings = settings
	return f.saveLocked(state)
}

func (f *FileArchiveIndex) RemoveArchive(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadLocked()
	if err != nil {
		return err
	}
	i := findArchive(state.Archives, key)
	if i < 0 {
		return nil
	}
	state.Archives = slices.Delete(state.Archives, i, i+1)
	delete(state.Stats, key)
	return f.saveLocked(state)
}

func (f *FileArchiveIndex) PutArchive(ctx context.Context, archive Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(archive.Key) == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadLocked()
	if err != nil {
		return err
	}
	if archive.Stats != nil {
		state.Stats[archive.Key] = *archive.Stats
		archive.Stats = nil
	}
	if i := findArchive(state.Archives, archive.Key); i >= 0 {
		state.Archives[i] = archive
	} else {
		state.Archives = append(state.Archives, archive)
	}
	return f.saveLocked(state)
}

func (f *FileArchiveIndex) loadLocked() (fileArchiveIndexState, error) {
	state := fileArchiveIndexState{Stats: map[string]ArchiveStats{}}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	if state.Stats == nil {
		state.Stats = map[string]ArchiveStats{}
	}
	return state, nil
}

func (f *FileArchiveIndex) saveLocked(state fileArchiveIndexState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func findArchive(archives []Archive, key string) int {
	return slices.IndexFunc(archives, func(a Archive) bool { return a.Key == key })
}
