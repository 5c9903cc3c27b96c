// Package publish uploads built bundles and registers every location with
// the deployment service. Each location is registered and awaited in its
// own goroutine; one location failing never stops the others.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/ci"
	"github.com/papapumpkin/pexship/internal/cloud"
	"github.com/papapumpkin/pexship/internal/metrics"
	"github.com/papapumpkin/pexship/internal/pex"
	"github.com/papapumpkin/pexship/internal/registry"
	"github.com/papapumpkin/pexship/internal/telemetry"
)

// DefaultBaseImagePrefix is prepended to "py<XY>:<runtime version>".
const DefaultBaseImagePrefix = "ghcr.io/dagster-io/dagster-cloud-serverless-base-"

// Service is the deployment service.
type Service interface {
	AddOrUpdateLocation(ctx context.Context, deployment string, doc cloud.LocationDocument) error
	WaitForLoad(ctx context.Context, deployment string, names []string, opts cloud.WaitOptions) error
	CreateOrUpdateBranchDeployment(ctx context.Context, b cloud.BranchDeployment) (string, error)
}

// Cache uploads bundles and records cache entries.
type Cache interface {
	UploadFiles(ctx context.Context, paths []string) error
	Store(ctx context.Context, key, writeTag, name, runtimeVersion string) error
}

// Options selects what Publish does.
type Options struct {
	Upload   bool
	Register bool
	// WriteTag records locally built deps bundles under this cache tag.
	WriteTag string
	// States holds the planner's cache decision per cache key. Keys
	// without a state are treated as rebuilt.
	States map[string]registry.State
	// LocalIndex records cache entries without uploading, for a cache
	// index kept next to the bundles on a self-hosted runner.
	LocalIndex bool

	// Deployment overrides deployment selection when set.
	Deployment        string
	DefaultDeployment string
	CI                *ci.Context

	PythonVersion   pex.PythonVersion
	BaseImage       string // replaces the derived base image when set
	BaseImagePrefix string

	Wait cloud.WaitOptions
	// FirstRunHeartbeatTimeout replaces Wait.HeartbeatTimeout on a
	// pipeline's first run.
	FirstRunHeartbeatTimeout time.Duration
}

// Publisher runs the publish phase.
type Publisher struct {
	svc     Service
	cache   Cache
	logger  *slog.Logger
	events  *telemetry.Emitter
	metrics *metrics.Recorder
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithTelemetry emits publish events to e.
func WithTelemetry(e *telemetry.Emitter) Option {
	return func(p *Publisher) { p.events = e }
}

// WithMetrics records publish metrics to r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Publisher) { p.metrics = r }
}

// New returns a Publisher. svc may be nil when nothing is registered and
// cache may be nil when nothing is uploaded.
func New(svc Service, cache Cache, opts ...Option) *Publisher {
	p := &Publisher{svc: svc, cache: cache, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish uploads, records and registers builds according to opts. Failures are
// recorded on each build's Err and returned together as *PublishError once
// every location has been attempted. A failed branch deployment upsert is
// returned immediately since no location can be registered without it.
func (p *Publisher) Publish(ctx context.Context, builds []*bundle.LocationBuild, opts Options) error {
	var other []error

	failed := map[string]error{}
	if opts.Upload {
		failed = p.upload(ctx, builds)
	}
	if opts.WriteTag != "" && (opts.Upload || opts.LocalIndex) {
		other = append(other, p.record(ctx, builds, opts, failed)...)
	}

	if opts.Register {
		deployment, err := p.SelectDeployment(ctx, opts)
		if err != nil {
			return err
		}
		p.register(ctx, builds, deployment, opts)
	}

	var perr PublishError
	for _, b := range builds {
		if b.Err != nil {
			perr.Failures = append(perr.Failures, LocationFailure{Location: b.Location.Name, Err: b.Err})
			p.metrics.Location("error")
		} else if opts.Register {
			p.metrics.Location("ok")
		}
	}
	perr.Other = other
	p.events.Emit(telemetry.Event{Kind: telemetry.KindPublishDone, Message: fmt.Sprintf("%d/%d locations failed", len(perr.Failures), len(builds))})

	if len(perr.Failures) > 0 || len(perr.Other) > 0 {
		return &perr
	}
	return nil
}

func (o Options) state(key string) registry.State {
	if s, ok := o.States[key]; ok {
		return s
	}
	return registry.Rebuild
}

// SelectDeployment picks the target deployment: the explicit name, the
// branch deployment of a pull request, or the default deployment.
func (p *Publisher) SelectDeployment(ctx context.Context, opts Options) (string, error) {
	if opts.Deployment != "" {
		return opts.Deployment, nil
	}
	if opts.CI != nil {
		if bd, ok := opts.CI.BranchDeployment(); ok {
			name, err := p.svc.CreateOrUpdateBranchDeployment(ctx, bd)
			if err != nil {
				return "", fmt.Errorf("publish: branch deployment: %w", err)
			}
			p.events.Emit(telemetry.Event{Kind: telemetry.KindBranchDeployment, Message: name})
			p.logger.Info("using branch deployment", "deployment", name, "branch", bd.BranchName)
			return name, nil
		}
	}
	if opts.DefaultDeployment != "" {
		return opts.DefaultDeployment, nil
	}
	return cloud.DefaultDeployment, nil
}

// register runs one worker per location that has not already failed. Workers
// write only their own build's Err and never cancel each other.
func (p *Publisher) register(ctx context.Context, builds []*bundle.LocationBuild, deployment string, opts Options) {
	wait := opts.Wait
	if opts.CI != nil && opts.CI.IsFirstRun() && opts.FirstRunHeartbeatTimeout > 0 {
		wait.HeartbeatTimeout = opts.FirstRunHeartbeatTimeout
	}

	var g errgroup.Group
	g.SetLimit(max(len(builds), 1))
	for _, b := range builds {
		if b.Err != nil {
			p.logger.Warn("skipping registration", "location", b.Location.Name, "error", b.Err)
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					b.Err = fmt.Errorf("publish: location %s panicked: %v", b.Location.Name, r)
				}
			}()
			b.Err = p.publishLocation(ctx, b, deployment, opts, wait)
			if b.Err != nil {
				p.logger.Error("location failed", "location", b.Location.Name, "error", b.Err)
				p.events.Emit(telemetry.Event{Kind: telemetry.KindLocationFailed, Location: b.Location.Name, Message: b.Err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Publisher) publishLocation(ctx context.Context, b *bundle.LocationBuild, deployment string, opts Options, wait cloud.WaitOptions) error {
	image, err := BaseImage(b, opts)
	if err != nil {
		return err
	}
	doc := cloud.LocationDocument{
		Name:          b.Location.Name,
		Spec:          b.Location.Spec,
		Image:         image,
		PexTag:        b.Tag,
		PythonVersion: opts.PythonVersion.String(),
	}
	if opts.CI != nil {
		doc.CommitHash = opts.CI.CommitHash
		doc.GitURL = opts.CI.GitURL()
	}

	if err := p.svc.AddOrUpdateLocation(ctx, deployment, doc); err != nil {
		return err
	}
	p.events.Emit(telemetry.Event{Kind: telemetry.KindLocationRegistered, Location: b.Location.Name, Message: b.Tag})
	p.logger.Info("location updated, waiting for load", "location", b.Location.Name, "deployment", deployment, "pex_tag", b.Tag)

	if err := p.svc.WaitForLoad(ctx, deployment, []string{b.Location.Name}, wait); err != nil {
		return err
	}
	p.events.Emit(telemetry.Event{Kind: telemetry.KindLocationLoaded, Location: b.Location.Name, Message: deployment})
	return nil
}

// BaseImage returns the runtime image for b: the configured override, or
// the serverless base image matching the target python and runtime versions.
func BaseImage(b *bundle.LocationBuild, opts Options) (string, error) {
	if opts.BaseImage != "" {
		return opts.BaseImage, nil
	}
	if b.Deps == nil || b.Deps.RuntimeVersion() == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRuntimeVersion, b.Location.Name)
	}
	prefix := opts.BaseImagePrefix
	if prefix == "" {
		prefix = DefaultBaseImagePrefix
	}
	return prefix + "py" + opts.PythonVersion.Tag() + ":" + b.Deps.RuntimeVersion(), nil
}
