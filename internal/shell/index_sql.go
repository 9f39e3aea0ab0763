package shell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	archiveTableName      = "shellsync_archives"
	sqlOperationTimeout   = 5 * time.Second
	DefaultPostgresDriver = "postgres"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name        string
	driver      string
	placeholder func(n int) string
	// setup runs once after open, before the table is created.
	setup func(db *sql.DB)
}

var (
	postgresPlaceholder = func(n int) string { return fmt.Sprintf("$%d", n) }
	sqlitePlaceholder   = func(int) string { return "?" }
)

// SQLArchiveIndex stores archives in one table. The connection is opened and
// the table created on first use.
type SQLArchiveIndex struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresArchiveIndex uses driver "postgres" (lib/pq) or "pgx".
func NewPostgresArchiveIndex(dsn, driver string) (*SQLArchiveIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "":
		driver = DefaultPostgresDriver
	case "postgres", "pgx":
	default:
		return nil, fmt.Errorf("%w: postgres driver %q", ErrInvalidInput, driver)
	}
	return &SQLArchiveIndex{
		dsn:       dsn,
		tableName: archiveTableName,
		dialect:   sqlDialect{name: "postgres", driver: driver, placeholder: postgresPlaceholder},
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteArchiveIndex(path string) (*SQLArchiveIndex, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLArchiveIndex{
		dsn:       path,
		tableName: archiveTableName,
		dialect: sqlDialect{
			name:        "sqlite",
			driver:      "sqlite",
			placeholder: sqlitePlaceholder,
			setup: func(db *sql.DB) {
				// a single writer keeps modernc from returning SQLITE_BUSY
				db.SetMaxOpenConns(1)
			},
		},
		openDB: sql.Open,
	}, nil
}

func (s *SQLArchiveIndex) ListArchives(ctx context.Context) ([]Archive, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, &FetchError{Op: "list archives", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT archive_key, title, is_owner, mtime, is_saved, is_serving
		FROM %s ORDER BY archive_key`, quoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &FetchError{Op: "list archives", Err: err}
	}
	defer rows.Close()
	out := make([]Archive, 0)
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.Key, &a.Title, &a.IsOwner, &a.MTime, &a.UserSettings.IsSaved, &a.UserSettings.IsServing); err != nil {
			return nil, &FetchError{Op: "list archives", Err: err}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &FetchError{Op: "list archives", Err: err}
	}
	return out, nil
}

func (s *SQLArchiveIndex) ArchiveStats(ctx context.Context, key string) (ArchiveStats, error) {
	if err := s.ensureReady(ctx); err != nil {
		return ArchiveStats{}, &FetchError{Op: "archive stats", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT peers, bytes, files FROM %s WHERE archive_key = %s",
		quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	var stats ArchiveStats
	err := s.db.QueryRowContext(ctx, query, key).Scan(&stats.Peers, &stats.Bytes, &stats.Files)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchiveStats{}, fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return ArchiveStats{}, &FetchError{Op: "archive stats", Key: key, Err: err}
	}
	return stats, nil
}

func (s *SQLArchiveIndex) WriteFlags(ctx context.Context, key string, settings UserSettings) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf("UPDATE %s SET is_saved = %s, is_serving = %s WHERE archive_key = %s",
		quoteIdentifier(s.tableName), p(1), p(2), p(3))
	result, err := s.db.ExecContext(ctx, query, settings.IsSaved, settings.IsServing, key)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLArchiveIndex) RemoveArchive(ctx context.Context, key string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE archive_key = %s", quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQLArchiveIndex) PutArchive(ctx context.Context, archive Archive) error {
	if strings.TrimSpace(archive.Key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var stats ArchiveStats
	if archive.Stats != nil {
		stats = *archive.Stats
	}
	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (archive_key, title, is_owner, mtime, is_saved, is_serving, peers, bytes, files)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (archive_key)
		DO UPDATE SET title = excluded.title, is_owner = excluded.is_owner, mtime = excluded.mtime,
			is_saved = excluded.is_saved, is_serving = excluded.is_serving,
			peers = excluded.peers, bytes = excluded.bytes, files = excluded.files`,
		quoteIdentifier(s.tableName), p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9))
	_, err := s.db.ExecContext(ctx, query,
		archive.Key, archive.Title, archive.IsOwner, archive.MTime,
		archive.UserSettings.IsSaved, archive.UserSettings.IsServing,
		stats.Peers, stats.Bytes, stats.Files)
	return err
}

func (s *SQLArchiveIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLArchiveIndex) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.setup != nil {
			s.dialect.setup(db)
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				archive_key TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				is_owner BOOLEAN NOT NULL DEFAULT FALSE,
				mtime BIGINT NOT NULL DEFAULT 0,
				is_saved BOOLEAN NOT NULL DEFAULT FALSE,
				is_serving BOOLEAN NOT NULL DEFAULT FALSE,
				peers INTEGER NOT NULL DEFAULT 0,
				bytes BIGINT NOT NULL DEFAULT 0,
				files INTEGER NOT NULL DEFAULT 0
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
