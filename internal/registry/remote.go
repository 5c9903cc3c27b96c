package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// RemoteStore keeps entries and bundles in the blob cache behind
// pre-signed URLs.
type RemoteStore struct {
	Signer URLSigner
	HTTP   *http.Client
}

// NewRemoteStore returns a RemoteStore. A nil client gets a 5 minute timeout.
func NewRemoteStore(signer URLSigner, client *http.Client) *RemoteStore {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &RemoteStore{Signer: signer, HTTP: client}
}

func (s *RemoteStore) signOne(ctx context.Context, filename, method string) (*string, error) {
	urls, err := s.Signer.GenerateURLs(ctx, []string{filename}, method)
	if err != nil {
		return nil, fmt.Errorf("registry: sign %s %s: %w", method, filename, err)
	}
	if len(urls) != 1 {
		return nil, fmt.Errorf("%w: %s %s got %d", ErrURLCountMismatch, method, filename, len(urls))
	}
	return urls[0], nil
}

// Get fetches the entry for key under tag. Forbidden and not-found
// responses are misses.
func (s *RemoteStore) Get(ctx context.Context, key, tag string) (*Entry, error) {
	url, err := s.signOne(ctx, EntryFilename(key, tag), http.MethodGet)
	if err != nil {
		return nil, err
	}
	if url == nil {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: get entry: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("registry: get entry: unexpected status %d", resp.StatusCode)
	}

	var e Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("registry: decode entry: %w", err)
	}
	return &e, nil
}

// Put writes the entry for key under tag.
func (s *RemoteStore) Put(ctx context.Context, key, tag string, e Entry) error {
	name := EntryFilename(key, tag)
	url, err := s.signOne(ctx, name, http.MethodPut)
	if err != nil {
		return err
	}
	if url == nil {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}
	return s.put(ctx, *url, name, bytes.NewReader(body), int64(len(body)), "application/json")
}

// Upload transfers each file to the blob cache under its base name. Files
// whose URL is nil are already present and skipped. Every file is attempted;
// failures are joined.
func (s *RemoteStore) Upload(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}

	urls, err := s.Signer.GenerateURLs(ctx, names, http.MethodPut)
	if err != nil {
		return fmt.Errorf("registry: sign uploads: %w", err)
	}
	if len(urls) == 0 {
		return ErrNoUploadURLs
	}
	if len(urls) != len(paths) {
		return fmt.Errorf("%w: %d files, %d urls", ErrURLCountMismatch, len(paths), len(urls))
	}

	var errs []error
	for i, path := range paths {
		if urls[i] == nil {
			continue
		}
		if err := s.uploadFile(ctx, *urls[i], path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *RemoteStore) uploadFile(ctx context.Context, url, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &UploadError{Path: path, Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return &UploadError{Path: path, Err: err}
	}
	return s.put(ctx, url, path, f, info.Size(), "application/octet-stream")
}

func (s *RemoteStore) put(ctx context.Context, url, path string, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return &UploadError{Path: path, Err: err}
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return &UploadError{Path: path, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UploadError{Path: path, Status: resp.StatusCode}
	}
	return nil
}
