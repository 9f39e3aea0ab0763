package shell

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type ArchiveIndexFactory func(dsn string) (ArchiveIndex, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	indexFactories map[string]ArchiveIndexFactory
}{
	indexFactories: map[string]ArchiveIndexFactory{},
}

// RegisterArchiveIndexFactory makes BuildArchiveIndexFromDSN hand DSNs with
// the given scheme to factory. Registered schemes take precedence over the
// built-in ones.
func RegisterArchiveIndexFactory(scheme string, factory ArchiveIndexFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.indexFactories[scheme] = factory
}

func lookupArchiveIndexFactory(scheme string) (ArchiveIndexFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.indexFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

type IndexOptions struct {
	// PostgresDriver selects "postgres" (lib/pq) or "pgx".
	PostgresDriver string
}

// BuildArchiveIndexFromDSN returns nil for an empty DSN.
func BuildArchiveIndexFromDSN(dsn string, opts IndexOptions) (ArchiveIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupArchiveIndexFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "json":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileArchiveIndex(path)
	case "memory", "mem", "inmem":
		return NewMemoryArchiveIndex(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteArchiveIndex(path)
	case "postgres", "postgresql":
		return NewPostgresArchiveIndex(dsn, opts.PostgresDriver)
	default:
		return nil, fmt.Errorf("unsupported archive index scheme: %s", scheme)
	}
}

// BuildWritebackQueueFromDSN supports memory:// and file-backed queues and
// returns nil for an empty DSN.
func BuildWritebackQueueFromDSN(dsn string, capacity int) (WritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := normalizeBackendScheme(parsed.Scheme); scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileWritebackQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryWritebackQueue(capacity), nil
	default:
		return nil, fmt.Errorf("unsupported writeback queue scheme: %s", scheme)
	}
}

// dsnPath accepts file:///abs, file:rel, sqlite://host/path and bare paths.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// IndexFilePath returns the on-disk path behind a file, json or sqlite DSN.
// ok is false for every other kind of index.
func IndexFilePath(dsn string) (path string, ok bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", false
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", false
	}
	switch normalizeBackendScheme(parsed.Scheme) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		return "", false
	}
	path, err = dsnPath(parsed, dsn)
	if err != nil {
		return "", false
	}
	return path, true
}
