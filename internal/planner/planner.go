// Package planner turns workspace locations into build results, building
// each distinct dependency set at most once per invocation.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/deps"
	"github.com/papapumpkin/pexship/internal/metrics"
	"github.com/papapumpkin/pexship/internal/pex"
	"github.com/papapumpkin/pexship/internal/registry"
	"github.com/papapumpkin/pexship/internal/telemetry"
)

// ErrIncompleteBuild indicates a location ended planning without both
// bundles. It signals a bug, not an input problem.
var ErrIncompleteBuild = errors.New("location is missing a bundle after build")

// Resolver derives the requirements of a project directory.
type Resolver interface {
	Resolve(ctx context.Context, dir string, v pex.PythonVersion) (deps.Requirements, error)
}

// Builder builds bundles.
type Builder interface {
	BuildDeps(ctx context.Context, req deps.Requirements, outDir string) (*bundle.LocalDeps, error)
	BuildSource(ctx context.Context, dir string, v pex.PythonVersion, outDir string) (*bundle.SourceBundle, error)
}

// Cache answers whether a deps bundle was recorded for a key under a tag.
type Cache interface {
	Lookup(ctx context.Context, key, readTag string) (*registry.Entry, bool)
}

// CacheTags selects the cache namespaces read from and written to. Either
// may be empty.
type CacheTags struct {
	Read  string
	Write string
}

// Planner runs the build phase.
type Planner struct {
	resolver Resolver
	builder  Builder
	cache    Cache
	logger   *slog.Logger
	events   *telemetry.Emitter
	metrics  *metrics.Recorder
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithTelemetry emits build events to e.
func WithTelemetry(e *telemetry.Emitter) Option {
	return func(p *Planner) { p.events = e }
}

// WithMetrics records build metrics to r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Planner) { p.metrics = r }
}

// New returns a Planner. cache may be nil when no read tag is ever used.
func New(resolver Resolver, builder Builder, cache Cache, opts ...Option) *Planner {
	p := &Planner{
		resolver: resolver,
		builder:  builder,
		cache:    cache,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// group is the set of locations sharing one cache key.
type group struct {
	key    string
	req    deps.Requirements
	builds []*bundle.LocationBuild
	state  registry.State
}

// Plan holds the results of PlanAndBuild along with per-group cache states.
type Plan struct {
	Builds []*bundle.LocationBuild
	// States maps each cache key to the cache decision taken for it.
	States map[string]registry.State
}

// PlanAndBuild resolves, groups, fetches or builds, and tags every location.
// Build errors abort the whole plan.
func (p *Planner) PlanAndBuild(ctx context.Context, locations []bundle.Location, outDir string, tags CacheTags, v pex.PythonVersion) (*Plan, error) {
	builds := make([]*bundle.LocationBuild, len(locations))
	for i, loc := range locations {
		req, err := p.resolver.Resolve(ctx, loc.Directory, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", loc.Name, err)
		}
		builds[i] = &bundle.LocationBuild{Location: loc, Requirements: req, CacheKey: req.CacheKey()}
	}

	groups := groupByKey(builds)
	p.logger.Info("planned build", "locations", len(builds), "dependency_sets", len(groups))
	p.events.Emit(telemetry.Event{Kind: telemetry.KindPlan, Message: fmt.Sprintf("%d locations, %d dependency sets", len(builds), len(groups))})

	plan := &Plan{Builds: builds, States: make(map[string]registry.State, len(groups))}
	for _, g := range groups {
		d, err := p.resolveGroup(ctx, g, outDir, tags.Read)
		if err != nil {
			return nil, err
		}
		plan.States[g.key] = g.state
		for _, b := range g.builds {
			b.Deps = d
		}
	}

	for _, b := range builds {
		start := time.Now()
		src, err := p.builder.BuildSource(ctx, b.Location.Directory, v, outDir)
		if err != nil {
			p.metrics.Build("source", "error", time.Since(start))
			return nil, fmt.Errorf("build source for %s: %w", b.Location.Name, err)
		}
		p.metrics.Build("source", "ok", time.Since(start))
		p.events.Emit(telemetry.Event{Kind: telemetry.KindSourceBuilt, Location: b.Location.Name, Message: src.Name()})
		b.Source = src
	}

	for _, b := range builds {
		if b.Deps == nil || b.Source == nil {
			return nil, fmt.Errorf("%w: %s", ErrIncompleteBuild, b.Location.Name)
		}
		b.Tag = bundle.CompositeTag(b.Deps.Name(), b.Source.Name())
	}
	return plan, nil
}

// resolveGroup returns the deps bundle for g, reusing the cache when the
// read tag has an entry and building once otherwise.
func (p *Planner) resolveGroup(ctx context.Context, g *group, outDir, readTag string) (bundle.DepsBundle, error) {
	var (
		entry *registry.Entry
		hit   bool
	)
	if readTag != "" && p.cache != nil {
		entry, hit = p.cache.Lookup(ctx, g.key, readTag)
	}
	g.state = registry.Decide(readTag, hit)
	p.metrics.CacheDecision(g.state.String())
	p.events.Emit(telemetry.Event{Kind: telemetry.KindCacheDecision, CacheKey: g.key, Message: g.state.String()})
	p.logger.Info("dependency set", "cache_key", g.key, "locations", len(g.builds), "state", g.state.String())

	if g.state == registry.Reuse {
		return &bundle.PublishedDeps{BundleName: entry.DepsPexName, Runtime: entry.DagsterVersion}, nil
	}

	start := time.Now()
	local, err := p.builder.BuildDeps(ctx, g.req, outDir)
	if err != nil {
		p.metrics.Build("deps", "error", time.Since(start))
		return nil, fmt.Errorf("build deps for %s: %w", g.builds[0].Location.Name, err)
	}
	p.metrics.Build("deps", "ok", time.Since(start))
	p.events.Emit(telemetry.Event{Kind: telemetry.KindDepsBuilt, CacheKey: g.key, Message: local.Name()})
	return local, nil
}

// groupByKey groups builds by cache key in order of first appearance.
func groupByKey(builds []*bundle.LocationBuild) []*group {
	index := make(map[string]*group)
	var groups []*group
	for _, b := range builds {
		g, ok := index[b.CacheKey]
		if !ok {
			g = &group{key: b.CacheKey, req: b.Requirements}
			index[b.CacheKey] = g
			groups = append(groups, g)
		}
		g.builds = append(g.builds, b)
	}
	return groups
}
