package registry

import (
	"context"
	"errors"
	"testing"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		readTag string
		hit     bool
		want    State
	}{
		{"no read tag", "", false, RebuildAlways},
		{"no read tag ignores hit", "", true, RebuildAlways},
		{"hit", "main", true, Reuse},
		{"miss", "main", false, Rebuild},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Decide(tt.readTag, tt.hit); got != tt.want {
				t.Errorf("Decide(%q, %v) = %v, want %v", tt.readTag, tt.hit, got, tt.want)
			}
		})
	}
}

func TestShouldRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    State
		writeTag string
		want     bool
	}{
		{RebuildAlways, "", false},
		{RebuildAlways, "main", true},
		{Rebuild, "main", true},
		{Rebuild, "", false},
		{Reuse, "main", false},
		{Reuse, "other", false},
	}
	for _, tt := range tests {
		if got := ShouldRecord(tt.state, tt.writeTag); got != tt.want {
			t.Errorf("ShouldRecord(%v, %q) = %v, want %v", tt.state, tt.writeTag, got, tt.want)
		}
	}
}

// memStore is an in-memory Store.
type memStore struct {
	entries map[string]Entry
	getErr  error
	putErr  error
	gets    int
}

func newMemStore() *memStore { return &memStore{entries: map[string]Entry{}} }

func (m *memStore) Get(_ context.Context, key, tag string) (*Entry, error) {
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.entries[key+"@"+tag]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) Put(_ context.Context, key, tag string, e Entry) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.entries[key+"@"+tag] = e
	return nil
}

type recordingUploader struct {
	paths [][]string
	err   error
}

func (u *recordingUploader) Upload(_ context.Context, paths []string) error {
	u.paths = append(u.paths, paths)
	return u.err
}

func TestCoordinatorLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no read tag skips store", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		c := NewCoordinator(store, nil, nil)
		if _, ok := c.Lookup(ctx, "k", ""); ok {
			t.Error("expected miss")
		}
		if store.gets != 0 {
			t.Error("store must not be consulted without a read tag")
		}
	})

	t.Run("hit", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.entries["k@main"] = Entry{DepsPexName: "deps-x.pex", DagsterVersion: "1.0"}
		e, ok := NewCoordinator(store, nil, nil).Lookup(ctx, "k", "main")
		if !ok || e.DepsPexName != "deps-x.pex" {
			t.Errorf("Lookup = %+v, %v", e, ok)
		}
	})

	t.Run("error degrades to miss", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.getErr = errors.New("connection reset")
		if _, ok := NewCoordinator(store, nil, nil).Lookup(ctx, "k", "main"); ok {
			t.Error("expected miss on store error")
		}
	})

	t.Run("partial entry is a miss", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.entries["k@main"] = Entry{DepsPexName: "deps-x.pex"}
		if _, ok := NewCoordinator(store, nil, nil).Lookup(ctx, "k", "main"); ok {
			t.Error("expected miss on partial entry")
		}
	})
}

func TestCoordinatorStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("empty tag is a no-op", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		if err := NewCoordinator(store, nil, nil).Store(ctx, "k", "", "d.pex", "1"); err != nil {
			t.Fatal(err)
		}
		if len(store.entries) != 0 {
			t.Error("nothing should be written without a write tag")
		}
	})

	t.Run("write then read under same tag", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		c := NewCoordinator(store, nil, nil)
		if err := c.Store(ctx, "k", "A", "d.pex", "1.2"); err != nil {
			t.Fatal(err)
		}
		if _, ok := c.Lookup(ctx, "k", "A"); !ok {
			t.Error("expected hit under A")
		}
		if _, ok := c.Lookup(ctx, "k", "B"); ok {
			t.Error("entry under A must not be visible under B")
		}
	})

	t.Run("put error surfaces", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.putErr = errors.New("denied")
		if err := NewCoordinator(store, nil, nil).Store(ctx, "k", "A", "d.pex", "1"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCoordinatorUploadFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	up := &recordingUploader{}
	c := NewCoordinator(newMemStore(), up, nil)
	if err := c.UploadFiles(ctx, []string{"/a.pex", "/b.pex"}); err != nil {
		t.Fatal(err)
	}
	if len(up.paths) != 1 || len(up.paths[0]) != 2 {
		t.Errorf("uploader calls = %v", up.paths)
	}

	if err := NewCoordinator(newMemStore(), nil, nil).UploadFiles(ctx, []string{"/a.pex"}); err == nil {
		t.Error("expected error without uploader")
	}

	up.err = &UploadError{Path: "/a.pex", Status: 500}
	var upErr *UploadError
	if err := c.UploadFiles(ctx, []string{"/a.pex"}); !errors.As(err, &upErr) {
		t.Errorf("expected *UploadError, got %v", err)
	}
}
