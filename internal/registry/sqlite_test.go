package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	s := newTestSQLiteStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "k", "main")
	if err != nil || got != nil {
		t.Fatalf("empty store Get = %+v, %v", got, err)
	}

	if err := s.Put(ctx, "k", "main", Entry{DepsPexName: "deps-1.pex", DagsterVersion: "1.0.0"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "k", "main", Entry{DepsPexName: "deps-2.pex", DagsterVersion: "1.0.1"}); err != nil {
		t.Fatalf("Put upsert: %v", err)
	}

	got, err = s.Get(ctx, "k", "main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.DepsPexName != "deps-2.pex" || got.DagsterVersion != "1.0.1" {
		t.Errorf("Get = %+v, want upserted entry", got)
	}

	other, err := s.Get(ctx, "k", "release")
	if err != nil {
		t.Fatalf("Get other tag: %v", err)
	}
	if other != nil {
		t.Errorf("tags must be independent, got %+v", other)
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Put(ctx, "k", "t", Entry{DepsPexName: "d.pex", DagsterVersion: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "k", "t")
	if err != nil || got == nil || got.DepsPexName != "d.pex" {
		t.Errorf("reopened Get = %+v, %v", got, err)
	}
}
