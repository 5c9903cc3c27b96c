package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// blobServer is an in-memory blob cache. Paths listed in fail answer 500.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  map[string]bool
	puts  []string
}

func newBlobServer(t *testing.T) (*blobServer, *httptest.Server) {
	t.Helper()
	bs := &blobServer{blobs: map[string][]byte{}, fail: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		defer bs.mu.Unlock()
		name := strings.TrimPrefix(r.URL.Path, "/")
		if bs.fail[name] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			bs.blobs[name] = data
			bs.puts = append(bs.puts, name)
		case http.MethodGet:
			data, ok := bs.blobs[name]
			if !ok {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write(data)
		}
	}))
	t.Cleanup(srv.Close)
	return bs, srv
}

// staticSigner signs every file name as a path on base. Names in skip get
// a nil URL.
type staticSigner struct {
	base  string
	skip  map[string]bool
	err   error
	calls int
}

func (s *staticSigner) GenerateURLs(_ context.Context, filenames []string, _ string) ([]*string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	urls := make([]*string, len(filenames))
	for i, name := range filenames {
		if s.skip[name] {
			continue
		}
		u := s.base + "/" + name
		urls[i] = &u
	}
	return urls, nil
}

func TestRemoteStoreRoundTripAndTagIsolation(t *testing.T) {
	t.Parallel()

	_, srv := newBlobServer(t)
	store := NewRemoteStore(&staticSigner{base: srv.URL}, srv.Client())
	ctx := context.Background()

	if err := store.Put(ctx, "k1", "main", Entry{DepsPexName: "deps-a.pex", DagsterVersion: "1.5.0"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "k1", "main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.DepsPexName != "deps-a.pex" || got.DagsterVersion != "1.5.0" {
		t.Errorf("Get = %+v", got)
	}

	other, err := store.Get(ctx, "k1", "feature/x")
	if err != nil {
		t.Fatalf("Get other tag: %v", err)
	}
	if other != nil {
		t.Errorf("entry written under main must not be visible under feature/x, got %+v", other)
	}
}

func TestRemoteStoreGetServerError(t *testing.T) {
	t.Parallel()

	bs, srv := newBlobServer(t)
	bs.fail[EntryFilename("k", "t")] = true
	store := NewRemoteStore(&staticSigner{base: srv.URL}, srv.Client())

	if _, err := store.Get(context.Background(), "k", "t"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestRemoteStoreUpload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"deps-1.pex", "source-2.pex", "source-3.pex"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	bs, srv := newBlobServer(t)
	bs.fail["source-3.pex"] = true
	signer := &staticSigner{base: srv.URL, skip: map[string]bool{"deps-1.pex": true}}
	store := NewRemoteStore(signer, srv.Client())

	err := store.Upload(context.Background(), paths)
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	if upErr.Path != paths[2] || upErr.Status != http.StatusInternalServerError {
		t.Errorf("unexpected upload error %+v", upErr)
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.puts) != 1 || bs.puts[0] != "source-2.pex" {
		t.Errorf("puts = %v, want only source-2.pex", bs.puts)
	}
	if string(bs.blobs["source-2.pex"]) != "source-2.pex" {
		t.Errorf("uploaded content = %q", bs.blobs["source-2.pex"])
	}
}

func TestRemoteStoreUploadSignerFailures(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.pex")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("signer error", func(t *testing.T) {
		t.Parallel()
		store := NewRemoteStore(&staticSigner{err: errors.New("unauthorized")}, nil)
		if err := store.Upload(context.Background(), []string{path}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no urls", func(t *testing.T) {
		t.Parallel()
		store := NewRemoteStore(emptySigner{}, nil)
		if err := store.Upload(context.Background(), []string{path}); !errors.Is(err, ErrNoUploadURLs) {
			t.Fatalf("expected ErrNoUploadURLs, got %v", err)
		}
	})

	t.Run("nothing to upload", func(t *testing.T) {
		t.Parallel()
		signer := &staticSigner{}
		store := NewRemoteStore(signer, nil)
		if err := store.Upload(context.Background(), nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if signer.calls != 0 {
			t.Error("signer should not be called for an empty upload")
		}
	})
}

type emptySigner struct{}

func (emptySigner) GenerateURLs(context.Context, []string, string) ([]*string, error) {
	return nil, nil
}

func TestEntryFilename(t *testing.T) {
	t.Parallel()

	a := EntryFilename("k", "main")
	b := EntryFilename("k", "feature/with/slashes")
	if a == b {
		t.Error("different tags must map to different files")
	}
	if strings.Contains(b, "/") {
		t.Errorf("file name must not contain path separators: %q", b)
	}
	if a != EntryFilename("k", "main") {
		t.Error("file name must be stable")
	}
}
