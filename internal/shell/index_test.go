package shell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func exerciseArchiveIndex(t *testing.T, idx interface {
	ArchiveIndex
	ArchiveSeeder
}) {
	t.Helper()
	ctx := context.Background()
	if err := idx.PutArchive(ctx, Archive{Key: "b", Title: "B", MTime: 2, Stats: &ArchiveStats{Peers: 4, Bytes: 100, Files: 2}}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := idx.PutArchive(ctx, Archive{Key: "a", Title: "A", MTime: 1, IsOwner: true}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := idx.PutArchive(ctx, Archive{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty key, got %v", err)
	}

	archives, err := idx.ListArchives(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("expected 2 archives, got %+v", archives)
	}
	for _, a := range archives {
		if a.Stats != nil {
			t.Fatalf("expected listing without stats, got %+v", a)
		}
	}

	stats, err := idx.ArchiveStats(ctx, "b")
	if err != nil || stats.Peers != 4 || stats.Bytes != 100 || stats.Files != 2 {
		t.Fatalf("unexpected stats %+v err %v", stats, err)
	}
	if _, err := idx.ArchiveStats(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing stats, got %v", err)
	}

	if err := idx.WriteFlags(ctx, "b", UserSettings{IsSaved: true, IsServing: true}); err != nil {
		t.Fatalf("write flags: %v", err)
	}
	if err := idx.WriteFlags(ctx, "missing", UserSettings{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound writing missing archive, got %v", err)
	}
	archives, _ = idx.ListArchives(ctx)
	var b Archive
	for _, a := range archives {
		if a.Key == "b" {
			b = a
		}
	}
	if !b.UserSettings.IsSaved || !b.UserSettings.IsServing {
		t.Fatalf("expected flags persisted, got %+v", b.UserSettings)
	}

	if err := idx.RemoveArchive(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := idx.RemoveArchive(ctx, "a"); err != nil {
		t.Fatalf("expected second remove to be a no-op, got %v", err)
	}
	archives, _ = idx.ListArchives(ctx)
	if len(archives) != 1 || archives[0].Key != "b" {
		t.Fatalf("expected only b left, got %+v", archives)
	}
}

func TestMemoryArchiveIndex(t *testing.T) {
	exerciseArchiveIndex(t, NewMemoryArchiveIndex())
}

func TestFileArchiveIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.json")
	idx, err := NewFileArchiveIndex(path)
	if err != nil {
		t.Fatalf("new file index: %v", err)
	}
	exerciseArchiveIndex(t, idx)

	reopened, _ := NewFileArchiveIndex(path)
	archives, err := reopened.ListArchives(context.Background())
	if err != nil || len(archives) != 1 {
		t.Fatalf("expected persisted archive, got %+v err %v", archives, err)
	}
}

func TestSQLiteArchiveIndex(t *testing.T) {
	idx, err := NewSQLiteArchiveIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("new sqlite index: %v", err)
	}
	defer idx.Close()
	exerciseArchiveIndex(t, idx)
}

func TestNewPostgresArchiveIndexValidatesDriver(t *testing.T) {
	if _, err := NewPostgresArchiveIndex("", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
	if _, err := NewPostgresArchiveIndex("postgres://x", "mysql"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad driver, got %v", err)
	}
	idx, err := NewPostgresArchiveIndex("postgres://x", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx.dialect.driver != DefaultPostgresDriver {
		t.Fatalf("expected default driver, got %q", idx.dialect.driver)
	}
	if p := idx.dialect.placeholder(3); p != "$3" {
		t.Fatalf("expected $3 placeholder, got %q", p)
	}
}

func TestSQLArchiveIndexReportsOpenFailure(t *testing.T) {
	idx, _ := NewPostgresArchiveIndex("postgres://x", "pgx")
	idx.openDB = func(driverName, dsn string) (*sql.DB, error) { return nil, errBoom }
	if _, err := idx.ListArchives(context.Background()); !errors.Is(err, ErrFetchFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped open failure, got %v", err)
	}
}

func TestBuildArchiveIndexFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{"memory://", "*shell.MemoryArchiveIndex"},
		{"file://" + filepath.Join(dir, "a.json"), "*shell.FileArchiveIndex"},
		{filepath.Join(dir, "b.json"), "*shell.FileArchiveIndex"},
		{"sqlite://" + filepath.Join(dir, "c.db"), "*shell.SQLArchiveIndex"},
		{"postgres://localhost/db", "*shell.SQLArchiveIndex"},
	}
	for _, tc := range cases {
		idx, err := BuildArchiveIndexFromDSN(tc.dsn, IndexOptions{})
		if err != nil {
			t.Fatalf("%s: %v", tc.dsn, err)
		}
		if got := fmt.Sprintf("%T", idx); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.dsn, tc.want, got)
		}
	}
	if _, err := BuildArchiveIndexFromDSN("gopher://x", IndexOptions{}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterArchiveIndexFactoryTakesPrecedence(t *testing.T) {
	custom := NewMemoryArchiveIndex(Archive{Key: "from-factory"})
	RegisterArchiveIndexFactory("Custom-Test", func(dsn string) (ArchiveIndex, error) {
		return custom, nil
	})
	idx, err := BuildArchiveIndexFromDSN("custom-test://anything", IndexOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if idx != ArchiveIndex(custom) {
		t.Fatalf("expected registered factory result")
	}
}

func TestIndexFilePath(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
		ok   bool
	}{
		{"file:///var/lib/index.json", "/var/lib/index.json", true},
		{"sqlite://data/index.db", "data/index.db", true},
		{"index.json", "index.json", true},
		{"memory://", "", false},
		{"postgres://localhost/db", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := IndexFilePath(tc.dsn)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("IndexFilePath(%q) = %q, %v; want %q, %v", tc.dsn, got, ok, tc.want, tc.ok)
		}
	}
}
