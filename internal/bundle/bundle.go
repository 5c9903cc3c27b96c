// Package bundle defines the build data model shared by the planner and the
// publisher: locations, the two bundle kinds and per-location results.
package bundle

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/papapumpkin/pexship/internal/deps"
)

// Location is a named sub-project declared in a workspace file.
type Location struct {
	Name         string
	Directory    string // absolute
	LocationFile string
	Registry     string
	// Spec is the raw workspace entry, forwarded to the deployment service.
	Spec map[string]any
}

// DepsBundle is the dependency bundle of a requirements group. It is either
// *LocalDeps or *PublishedDeps; no other implementations exist.
type DepsBundle interface {
	// Name is the bundle file name used in composite tags.
	Name() string
	// RuntimeVersion is the version of the runtime package inside the bundle.
	RuntimeVersion() string
	isDepsBundle()
}

// LocalDeps is a dependency bundle built during this invocation.
type LocalDeps struct {
	Path        string
	ContentHash string
	Runtime     string
}

func (d *LocalDeps) Name() string           { return filepath.Base(d.Path) }
func (d *LocalDeps) RuntimeVersion() string { return d.Runtime }
func (*LocalDeps) isDepsBundle()            {}

// PublishedDeps is a dependency bundle reused from the remote cache.
type PublishedDeps struct {
	BundleName string
	Runtime    string
}

func (d *PublishedDeps) Name() string           { return d.BundleName }
func (d *PublishedDeps) RuntimeVersion() string { return d.Runtime }
func (*PublishedDeps) isDepsBundle()            {}

// SourceBundle is the source bundle of a single location.
type SourceBundle struct {
	Path        string
	ContentHash string
}

// Name returns the bundle file name.
func (s *SourceBundle) Name() string { return filepath.Base(s.Path) }

// LocationBuild is the build result of one location. Deps is shared by
// pointer with every location in the same requirements group. Err is set
// only by the publish phase.
type LocationBuild struct {
	Location     Location
	Requirements deps.Requirements
	CacheKey     string
	Deps         DepsBundle
	Source       *SourceBundle
	Tag          string
	Err          error
}

// LocalPaths returns the bundle files that exist on disk for this location.
// A published deps bundle has no local path.
func (b *LocationBuild) LocalPaths() []string {
	var paths []string
	if local, ok := b.Deps.(*LocalDeps); ok && local != nil {
		paths = append(paths, local.Path)
	}
	if b.Source != nil {
		paths = append(paths, b.Source.Path)
	}
	return paths
}

// CompositeTag identifies an exact artifact set. Names are reduced to their
// base names and sorted so argument order does not matter.
func CompositeTag(names ...string) string {
	base := make([]string, len(names))
	for i, n := range names {
		base[i] = filepath.Base(n)
	}
	sort.Strings(base)
	return "files=" + strings.Join(base, ":")
}
