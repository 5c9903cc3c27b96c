package planner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/deps"
	"github.com/papapumpkin/pexship/internal/pex"
	"github.com/papapumpkin/pexship/internal/registry"
)

var py38 = pex.PythonVersion{Major: 3, Minor: 8}

// fakeResolver maps a directory to its declared requirement lines.
type fakeResolver map[string][]string

func (f fakeResolver) Resolve(_ context.Context, dir string, v pex.PythonVersion) (deps.Requirements, error) {
	lines, ok := f[dir]
	if !ok {
		return deps.Requirements{}, deps.ErrManifestNotFound
	}
	return deps.Requirements{Text: deps.Canonical(lines), PythonVersion: v, PexFlags: pex.Flags(v)}, nil
}

// fakeBuilder names bundles after their inputs so results are deterministic.
type fakeBuilder struct {
	depsCalls   []string
	sourceCalls []string
	depsErr     error
}

func (f *fakeBuilder) BuildDeps(_ context.Context, req deps.Requirements, outDir string) (*bundle.LocalDeps, error) {
	f.depsCalls = append(f.depsCalls, req.CacheKey())
	if f.depsErr != nil {
		return nil, f.depsErr
	}
	hash := req.CacheKey()[:8]
	return &bundle.LocalDeps{Path: filepath.Join(outDir, "deps-"+hash+".pex"), ContentHash: hash, Runtime: "1.5.0"}, nil
}

func (f *fakeBuilder) BuildSource(_ context.Context, dir string, _ pex.PythonVersion, outDir string) (*bundle.SourceBundle, error) {
	f.sourceCalls = append(f.sourceCalls, dir)
	hash := filepath.Base(dir)
	return &bundle.SourceBundle{Path: filepath.Join(outDir, "source-"+hash+".pex"), ContentHash: hash}, nil
}

// memStore is an in-memory registry.Store.
type memStore map[string]registry.Entry

func (m memStore) Get(_ context.Context, key, tag string) (*registry.Entry, error) {
	e, ok := m[key+"@"+tag]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m memStore) Put(_ context.Context, key, tag string, e registry.Entry) error {
	m[key+"@"+tag] = e
	return nil
}

func locations(names ...string) []bundle.Location {
	locs := make([]bundle.Location, len(names))
	for i, n := range names {
		locs[i] = bundle.Location{Name: n, Directory: "/ws/" + n}
	}
	return locs
}

func TestPlanAndBuildDedupsIdenticalRequirements(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{"/ws/l1": {"a", "b"}, "/ws/l2": {"b", "a"}, "/ws/l3": {"c"}}
	builder := &fakeBuilder{}
	p := New(resolver, builder, nil)

	plan, err := p.PlanAndBuild(context.Background(), locations("l1", "l2", "l3"), "/out", CacheTags{}, py38)
	if err != nil {
		t.Fatalf("PlanAndBuild: %v", err)
	}
	builds := plan.Builds

	if len(builder.depsCalls) != 2 {
		t.Fatalf("expected 2 deps builds for 2 distinct sets, got %d", len(builder.depsCalls))
	}
	if builds[0].CacheKey != builds[1].CacheKey {
		t.Error("reordered requirements must share a cache key")
	}
	if builds[0].Deps != builds[1].Deps {
		t.Error("locations in one group must share the deps bundle")
	}
	if builds[0].Deps == builds[2].Deps {
		t.Error("different groups must not share a deps bundle")
	}
	if diff := cmp.Diff([]string{"/ws/l1", "/ws/l2", "/ws/l3"}, builder.sourceCalls); diff != "" {
		t.Errorf("source builds mismatch (-want +got):\n%s", diff)
	}

	depsName := builds[0].Deps.Name()
	for _, b := range builds[:2] {
		if !strings.Contains(b.Tag, depsName) {
			t.Errorf("%s tag %q should contain shared deps %q", b.Location.Name, b.Tag, depsName)
		}
	}
	if want := bundle.CompositeTag(depsName, "source-l1.pex"); builds[0].Tag != want {
		t.Errorf("tag = %q, want %q", builds[0].Tag, want)
	}
	for key, state := range plan.States {
		if state != registry.RebuildAlways {
			t.Errorf("group %s state = %v, want rebuild-always", key, state)
		}
	}
}

func TestPlanAndBuildReuseSkipsBuilder(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{"/ws/l1": {"a"}}
	store := memStore{}
	cache := registry.NewCoordinator(store, nil, nil)
	ctx := context.Background()

	first := &fakeBuilder{}
	plan1, err := New(resolver, first, cache).PlanAndBuild(ctx, locations("l1"), "/out", CacheTags{Write: "main"}, py38)
	if err != nil {
		t.Fatal(err)
	}
	b1 := plan1.Builds[0]
	if err := cache.Store(ctx, b1.CacheKey, "main", b1.Deps.Name(), b1.Deps.RuntimeVersion()); err != nil {
		t.Fatal(err)
	}

	second := &fakeBuilder{}
	plan2, err := New(resolver, second, cache).PlanAndBuild(ctx, locations("l1"), "/out", CacheTags{Read: "main"}, py38)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.depsCalls) != 0 {
		t.Errorf("reuse must not build deps, got %d builds", len(second.depsCalls))
	}
	b2 := plan2.Builds[0]
	if _, ok := b2.Deps.(*bundle.PublishedDeps); !ok {
		t.Errorf("expected published deps, got %T", b2.Deps)
	}
	if b2.Tag != b1.Tag {
		t.Errorf("reused tag %q differs from original %q", b2.Tag, b1.Tag)
	}
	if plan2.States[b2.CacheKey] != registry.Reuse {
		t.Errorf("state = %v, want reuse", plan2.States[b2.CacheKey])
	}
}

func TestPlanAndBuildTagIsolation(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{"/ws/l1": {"a"}}
	store := memStore{}
	cache := registry.NewCoordinator(store, nil, nil)
	ctx := context.Background()
	key := deps.Requirements{Text: "a\n", PythonVersion: py38, PexFlags: pex.Flags(py38)}.CacheKey()
	if err := cache.Store(ctx, key, "A", "deps-cached.pex", "1.0"); err != nil {
		t.Fatal(err)
	}

	builder := &fakeBuilder{}
	plan, err := New(resolver, builder, cache).PlanAndBuild(ctx, locations("l1"), "/out", CacheTags{Read: "B"}, py38)
	if err != nil {
		t.Fatal(err)
	}
	if len(builder.depsCalls) != 1 {
		t.Errorf("entry under A must not satisfy read tag B; builds = %d", len(builder.depsCalls))
	}
	if plan.States[key] != registry.Rebuild {
		t.Errorf("state = %v, want rebuild", plan.States[key])
	}
}

func TestPlanAndBuildWriteOnlyAlwaysRebuilds(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{"/ws/l1": {"a"}}
	store := memStore{}
	cache := registry.NewCoordinator(store, nil, nil)
	ctx := context.Background()
	key := deps.Requirements{Text: "a\n", PythonVersion: py38, PexFlags: pex.Flags(py38)}.CacheKey()
	if err := cache.Store(ctx, key, "main", "deps-cached.pex", "1.0"); err != nil {
		t.Fatal(err)
	}

	builder := &fakeBuilder{}
	plan, err := New(resolver, builder, cache).PlanAndBuild(ctx, locations("l1"), "/out", CacheTags{Write: "main"}, py38)
	if err != nil {
		t.Fatal(err)
	}
	if len(builder.depsCalls) != 1 {
		t.Errorf("write-only tag must rebuild, got %d builds", len(builder.depsCalls))
	}
	if !registry.ShouldRecord(plan.States[key], "main") {
		t.Error("rebuilt group should be recorded under the write tag")
	}
}

func TestPlanAndBuildWithoutTagsRebuildsEveryRun(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{"/ws/l1": {"a"}, "/ws/l2": {"a"}}
	builder := &fakeBuilder{}
	p := New(resolver, builder, registry.NewCoordinator(memStore{}, nil, nil))
	ctx := context.Background()

	plan1, err := p.PlanAndBuild(ctx, locations("l1", "l2"), "/out", CacheTags{}, py38)
	if err != nil {
		t.Fatal(err)
	}
	plan2, err := p.PlanAndBuild(ctx, locations("l1", "l2"), "/out", CacheTags{}, py38)
	if err != nil {
		t.Fatal(err)
	}
	if len(builder.depsCalls) != 2 {
		t.Errorf("expected one deps build per run, got %d", len(builder.depsCalls))
	}
	for i := range plan1.Builds {
		if plan1.Builds[i].Tag != plan2.Builds[i].Tag {
			t.Errorf("fixed builder should reproduce tags: %q vs %q", plan1.Builds[i].Tag, plan2.Builds[i].Tag)
		}
	}
}

func TestPlanAndBuildErrors(t *testing.T) {
	t.Parallel()

	t.Run("resolve", func(t *testing.T) {
		t.Parallel()
		_, err := New(fakeResolver{}, &fakeBuilder{}, nil).PlanAndBuild(context.Background(), locations("l1"), "/out", CacheTags{}, py38)
		if !errors.Is(err, deps.ErrManifestNotFound) {
			t.Fatalf("expected resolve error, got %v", err)
		}
	})

	t.Run("deps build aborts", func(t *testing.T) {
		t.Parallel()
		builder := &fakeBuilder{depsErr: &pex.ToolError{ExitCode: 1, Err: errors.New("exit status 1")}}
		_, err := New(fakeResolver{"/ws/l1": {"a"}}, builder, nil).PlanAndBuild(context.Background(), locations("l1"), "/out", CacheTags{}, py38)
		var toolErr *pex.ToolError
		if !errors.As(err, &toolErr) {
			t.Fatalf("expected *pex.ToolError, got %v", err)
		}
		if len(builder.sourceCalls) != 0 {
			t.Error("source builds must not run after a deps build failure")
		}
	})
}

func TestGroupByKeyPreservesFirstAppearance(t *testing.T) {
	t.Parallel()

	builds := []*bundle.LocationBuild{{CacheKey: "z"}, {CacheKey: "a"}, {CacheKey: "z"}, {CacheKey: "m"}}
	groups := groupByKey(builds)
	var keys []string
	for _, g := range groups {
		keys = append(keys, g.key)
	}
	if diff := cmp.Diff([]string{"z", "a", "m"}, keys); diff != "" {
		t.Errorf("group order mismatch (-want +got):\n%s", diff)
	}
	if len(groups[0].builds) != 2 {
		t.Errorf("group z has %d builds, want 2", len(groups[0].builds))
	}
}
