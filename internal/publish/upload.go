package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/registry"
	"github.com/papapumpkin/pexship/internal/telemetry"
)

// upload sends each distinct local bundle once. Failed files mark every
// location using them. It returns the failed paths.
func (p *Publisher) upload(ctx context.Context, builds []*bundle.LocationBuild) map[string]error {
	var paths []string
	seen := map[string]bool{}
	for _, b := range builds {
		for _, path := range b.LocalPaths() {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}

	failed := map[string]error{}
	if len(paths) > 0 {
		if err := p.cache.UploadFiles(ctx, paths); err != nil {
			failed = attribute(err, paths)
			p.metrics.Upload("error")
			p.logger.Error("upload failed", "error", err)
		} else {
			p.metrics.Upload("ok")
		}
		p.events.Emit(telemetry.Event{Kind: telemetry.KindUpload, Message: fmt.Sprintf("%d files, %d failed", len(paths), len(failed))})
	}

	for _, b := range builds {
		for _, path := range b.LocalPaths() {
			if err, ok := failed[path]; ok {
				b.Err = errors.Join(b.Err, err)
			}
		}
	}
	return failed
}

// record stores one cache entry per locally built deps bundle whose cache
// state allows writing under opts.WriteTag. Bundles in failed are skipped.
// The returned errors are store failures.
func (p *Publisher) record(ctx context.Context, builds []*bundle.LocationBuild, opts Options, failed map[string]error) []error {
	var errs []error
	recorded := map[string]bool{}
	for _, b := range builds {
		local, ok := b.Deps.(*bundle.LocalDeps)
		if !ok || recorded[b.CacheKey] {
			continue
		}
		recorded[b.CacheKey] = true
		if !registry.ShouldRecord(opts.state(b.CacheKey), opts.WriteTag) {
			continue
		}
		if _, bad := failed[local.Path]; bad {
			continue
		}
		if err := p.cache.Store(ctx, b.CacheKey, opts.WriteTag, local.Name(), local.RuntimeVersion()); err != nil {
			errs = append(errs, err)
			continue
		}
		p.events.Emit(telemetry.Event{Kind: telemetry.KindCacheRecorded, CacheKey: b.CacheKey, Message: local.Name()})
	}
	return errs
}

// attribute maps each failed path to its error. Errors not tied to a path
// fail every path.
func attribute(err error, paths []string) map[string]error {
	failed := map[string]error{}
	var general []error
	for _, e := range flatten(err) {
		var upErr *registry.UploadError
		if errors.As(e, &upErr) {
			failed[upErr.Path] = e
			continue
		}
		general = append(general, e)
	}
	if len(general) > 0 {
		g := errors.Join(general...)
		for _, path := range paths {
			if _, ok := failed[path]; !ok {
				failed[path] = g
			}
		}
	}
	return failed
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
