// Package watch reports edits to code location directories so local bundles
// can be rebuilt while developing.
package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/deps"
)

// Debounce is how long a location must be quiet before its change is emitted.
const Debounce = 100 * time.Millisecond

// Change is a settled batch of edits to one location.
type Change struct {
	Location string
	Files    []string // absolute paths, sorted
	// DepsChanged is set when a dependency manifest was among the files.
	DepsChanged bool
}

// Watcher monitors location directories recursively using fsnotify.
type Watcher struct {
	Changes <-chan Change // Read-only external channel

	locations []bundle.Location
	exclude   string
	changes   chan Change
	done      chan struct{}
	watcher   *fsnotify.Watcher
}

// NewWatcher creates a watcher for locs. Paths under exclude, typically the
// bundle output directory, are ignored.
func NewWatcher(locs []bundle.Location, exclude string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if exclude != "" {
		if abs, err := filepath.Abs(exclude); err == nil {
			exclude = abs
		}
	}

	ch := make(chan Change, 16)
	return &Watcher{
		Changes:   ch,
		locations: locs,
		exclude:   exclude,
		changes:   ch,
		done:      make(chan struct{}),
		watcher:   fw,
	}, nil
}

// Start adds every directory of every location and begins watching. After
// a failed Start the Watcher is closed and Stop must not be called.
func (w *Watcher) Start() error {
	seen := map[string]bool{}
	for _, loc := range w.locations {
		if seen[loc.Directory] {
			continue
		}
		seen[loc.Directory] = true
		if err := w.addTree(loc.Directory); err != nil {
			w.watcher.Close()
			return err
		}
	}
	go w.loop()
	return nil
}

// Stop closes the watcher and the Changes channel. Pending edits are dropped.
func (w *Watcher) Stop() {
	w.watcher.Close()
	<-w.done
	close(w.changes)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	if w.exclude != "" && (path == w.exclude || strings.HasPrefix(path, w.exclude+string(filepath.Separator))) {
		return true
	}
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "."), base == "__pycache__":
		return true
	case strings.HasSuffix(base, ".pyc"), strings.HasSuffix(base, ".pex"), strings.HasSuffix(base, "~"):
		return true
	}
	return false
}

type pending struct {
	last  time.Time
	files map[string]bool
}

func (w *Watcher) loop() {
	defer close(w.done)

	byLocation := make(map[string]*pending)
	ticker := time.NewTicker(Debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addTree(event.Name)
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			for _, name := range w.owners(event.Name) {
				p, ok := byLocation[name]
				if !ok {
					p = &pending{files: map[string]bool{}}
					byLocation[name] = p
				}
				p.last = time.Now()
				p.files[event.Name] = true
			}

		case <-ticker.C:
			now := time.Now()
			for name, p := range byLocation {
				if now.Sub(p.last) >= Debounce {
					w.changes <- newChange(name, p.files)
					delete(byLocation, name)
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Ignore watch errors; they're non-fatal.
		}
	}
}

// owners returns the locations whose directory most closely contains path.
// Locations sharing that directory all own it.
func (w *Watcher) owners(path string) []string {
	var names []string
	best := -1
	for _, loc := range w.locations {
		dir := loc.Directory
		if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			continue
		}
		switch {
		case len(dir) > best:
			best = len(dir)
			names = []string{loc.Name}
		case len(dir) == best:
			names = append(names, loc.Name)
		}
	}
	return names
}

func newChange(location string, files map[string]bool) Change {
	c := Change{Location: location}
	for f := range files {
		c.Files = append(c.Files, f)
		switch filepath.Base(f) {
		case deps.RequirementsFile, deps.SetupFile, deps.PyprojectFile:
			c.DepsChanged = true
		}
	}
	sort.Strings(c.Files)
	return c
}
