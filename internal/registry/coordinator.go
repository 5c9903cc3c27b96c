package registry

import (
	"context"
	"fmt"
	"log/slog"
)

// State is the cache decision for one requirements group.
type State int

const (
	// RebuildAlways means no read tag was given, so the cache is not consulted.
	RebuildAlways State = iota
	// Reuse means the read tag has a complete entry for the key.
	Reuse
	// Rebuild means the read tag has no usable entry for the key.
	Rebuild
)

func (s State) String() string {
	switch s {
	case RebuildAlways:
		return "rebuild-always"
	case Reuse:
		return "reuse"
	case Rebuild:
		return "rebuild"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Decide returns the cache state for a group given its read tag and whether
// the lookup hit.
func Decide(readTag string, hit bool) State {
	switch {
	case readTag == "":
		return RebuildAlways
	case hit:
		return Reuse
	default:
		return Rebuild
	}
}

// ShouldRecord reports whether a group in state s is written under writeTag.
// Reused groups are never written, even under a different tag.
func ShouldRecord(s State, writeTag string) bool {
	return writeTag != "" && s != Reuse
}

// Coordinator applies the cache policy on top of a Store and an Uploader.
type Coordinator struct {
	store    Store
	uploader Uploader
	logger   *slog.Logger
}

// NewCoordinator returns a Coordinator. uploader may be nil when nothing is
// uploaded in this invocation.
func NewCoordinator(store Store, uploader Uploader, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{store: store, uploader: uploader, logger: logger}
}

// Lookup returns the entry for key under readTag. Store failures and
// partial entries are logged and reported as a miss.
func (c *Coordinator) Lookup(ctx context.Context, key, readTag string) (*Entry, bool) {
	if readTag == "" || c.store == nil {
		return nil, false
	}
	e, err := c.store.Get(ctx, key, readTag)
	if err != nil {
		c.logger.Warn("cache lookup failed, rebuilding", "cache_key", key, "tag", readTag, "error", err)
		return nil, false
	}
	if e == nil {
		c.logger.Info("cache miss", "cache_key", key, "tag", readTag)
		return nil, false
	}
	if !e.Complete() {
		c.logger.Warn("ignoring partial cache entry", "cache_key", key, "tag", readTag, "entry", *e)
		return nil, false
	}
	c.logger.Info("cache hit", "cache_key", key, "tag", readTag, "deps_pex_name", e.DepsPexName)
	return e, true
}

// Store records name and runtimeVersion for key under writeTag. An empty
// writeTag records nothing.
func (c *Coordinator) Store(ctx context.Context, key, writeTag, name, runtimeVersion string) error {
	if writeTag == "" {
		return nil
	}
	if c.store == nil {
		return fmt.Errorf("registry: no cache store configured for tag %q", writeTag)
	}
	e := Entry{DepsPexName: name, DagsterVersion: runtimeVersion}
	if err := c.store.Put(ctx, key, writeTag, e); err != nil {
		return fmt.Errorf("registry: store %s under %q: %w", key, writeTag, err)
	}
	c.logger.Info("recorded cache entry", "cache_key", key, "tag", writeTag, "deps_pex_name", name)
	return nil
}

// UploadFiles uploads bundle files to the blob cache.
func (c *Coordinator) UploadFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if c.uploader == nil {
		return fmt.Errorf("registry: no uploader configured")
	}
	c.logger.Info("uploading bundles", "files", len(paths))
	return c.uploader.Upload(ctx, paths)
}
