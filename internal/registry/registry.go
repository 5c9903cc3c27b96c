// Package registry records which deps bundle was built for a requirements
// cache key under a cache tag, and uploads bundles to the blob cache.
package registry

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNoUploadURLs indicates the URL signer returned no URLs for a request.
	ErrNoUploadURLs = errors.New("no pre-signed urls returned")
	// ErrURLCountMismatch indicates the signer returned a different number of URLs than files.
	ErrURLCountMismatch = errors.New("pre-signed url count does not match file count")
)

// Entry is the cached record for one (cache key, cache tag) pair.
type Entry struct {
	DepsPexName    string `json:"deps_pex_name"`
	DagsterVersion string `json:"dagster_version"`
}

// Complete reports whether every field is set. Partial entries are treated
// as misses.
func (e *Entry) Complete() bool {
	return e != nil && e.DepsPexName != "" && e.DagsterVersion != ""
}

// Store persists entries. Get returns (nil, nil) when no entry exists.
type Store interface {
	Get(ctx context.Context, key, tag string) (*Entry, error)
	Put(ctx context.Context, key, tag string, e Entry) error
}

// Uploader transfers local bundle files to the blob cache.
type Uploader interface {
	Upload(ctx context.Context, paths []string) error
}

// URLSigner issues pre-signed URLs for blob cache file names, in the same
// order as filenames. A nil URL means no transfer is needed.
type URLSigner interface {
	GenerateURLs(ctx context.Context, filenames []string, method string) ([]*string, error)
}

// UploadError records a failed transfer of one file.
type UploadError struct {
	Path   string
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("upload %s: unexpected status %d", e.Path, e.Status)
}

func (e *UploadError) Unwrap() error { return e.Err }

// EntryFilename is the blob cache file holding the entry for key under tag.
// The tag is digested so any branch name yields a valid file name.
func EntryFilename(key, tag string) string {
	sum := sha1.Sum([]byte(tag))
	return "requirements-" + key + "-" + hex.EncodeToString(sum[:])[:16] + ".json"
}
