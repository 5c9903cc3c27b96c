// Package artifact builds the deps and source bundles of a location by
// driving the packaging tool, and names them after their content hash.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/deps"
	"github.com/papapumpkin/pexship/internal/pex"
)

// DefaultRuntimePackage is the distribution whose version names the base image.
const DefaultRuntimePackage = "dagster"

// Builder produces bundles with a packaging Tool.
type Builder struct {
	Tool pex.Tool
	// Python runs the project's setup.py build step. Defaults to the
	// target runtime's interpreter.
	Python string
	// RuntimePackage is looked up in deps bundles. Defaults to DefaultRuntimePackage.
	RuntimePackage string
	Logger         *slog.Logger
}

// NewBuilder returns a Builder using tool and the default runtime package.
func NewBuilder(tool pex.Tool, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{Tool: tool, RuntimePackage: DefaultRuntimePackage, Logger: logger}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.Logger
}

func (b *Builder) runtimePackage() string {
	if b.RuntimePackage == "" {
		return DefaultRuntimePackage
	}
	return b.RuntimePackage
}

// BuildDeps packages req into outDir as deps-<pex_hash>.pex.
func (b *Builder) BuildDeps(ctx context.Context, req deps.Requirements, outDir string) (*bundle.LocalDeps, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create output dir: %w", err)
	}

	key := req.CacheKey()
	reqPath := filepath.Join(outDir, "deps-requirements-"+key+".txt")
	if err := os.WriteFile(reqPath, []byte(req.Text), 0o644); err != nil {
		return nil, fmt.Errorf("artifact: write requirements: %w", err)
	}

	root, err := os.MkdirTemp(outDir, ".pex-root-*")
	if err != nil {
		return nil, fmt.Errorf("artifact: create pex root: %w", err)
	}
	defer os.RemoveAll(root)

	tmpOut := filepath.Join(outDir, "deps-from-"+key+".pex")
	defer os.Remove(tmpOut)

	b.logger().Info("building deps bundle", "cache_key", key, "requirements", len(req.Lines()))
	err = b.Tool.Build(ctx, pex.BuildSpec{
		RequirementFiles: []string{reqPath},
		Flags:            req.PexFlags,
		Output:           tmpOut,
		Root:             root,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: build deps bundle %s: %w", key, err)
	}

	info, err := pex.ReadInfo(tmpOut)
	if err != nil {
		return nil, fmt.Errorf("artifact: deps bundle %s: %w", key, err)
	}
	runtime, ok := info.DistributionVersion(b.runtimePackage())
	if !ok {
		return nil, fmt.Errorf("%w: %s not among %d distributions of %s",
			ErrMissingRuntimeVersion, b.runtimePackage(), len(info.Distributions), filepath.Base(tmpOut))
	}

	final := filepath.Join(outDir, "deps-"+info.PexHash+".pex")
	if err := os.Rename(tmpOut, final); err != nil {
		return nil, fmt.Errorf("artifact: rename deps bundle: %w", err)
	}
	b.logger().Info("built deps bundle", "path", final, "runtime_version", runtime)
	return &bundle.LocalDeps{Path: final, ContentHash: info.PexHash, Runtime: runtime}, nil
}

// BuildSource packages the project at dir into outDir as
// source-<pex_hash>.pex. The raw tree is always included under
// working_directory/root; when dir has a setup.py its build output is
// included as well.
func (b *Builder) BuildSource(ctx context.Context, dir string, v pex.PythonVersion, outDir string) (*bundle.SourceBundle, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create output dir: %w", err)
	}

	work, err := os.MkdirTemp(outDir, ".source-build-*")
	if err != nil {
		return nil, fmt.Errorf("artifact: create build dir: %w", err)
	}
	defer os.RemoveAll(work)

	var sourceDirs []string

	if _, err := os.Stat(filepath.Join(dir, deps.SetupFile)); err == nil {
		buildLib := filepath.Join(work, "build_lib")
		if err := b.runSetupBuild(ctx, dir, v, buildLib); err != nil {
			return nil, err
		}
		sourceDirs = append(sourceDirs, buildLib)
	}

	packaged := filepath.Join(work, "packaged")
	if err := copyRawSource(dir, packaged, outDir); err != nil {
		return nil, err
	}
	sourceDirs = append(sourceDirs, packaged)

	root, err := os.MkdirTemp(outDir, ".pex-root-*")
	if err != nil {
		return nil, fmt.Errorf("artifact: create pex root: %w", err)
	}
	defer os.RemoveAll(root)

	tmpOut := filepath.Join(outDir, "source-tmp-"+uuid.NewString()+".pex")
	defer os.Remove(tmpOut)

	b.logger().Info("building source bundle", "dir", dir, "python", v.String())
	err = b.Tool.Build(ctx, pex.BuildSpec{
		SourceDirs: sourceDirs,
		Flags:      pex.Flags(v),
		Output:     tmpOut,
		Root:       root,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: build source bundle for %s: %w", dir, err)
	}

	info, err := pex.ReadInfo(tmpOut)
	if err != nil {
		return nil, fmt.Errorf("artifact: source bundle for %s: %w", dir, err)
	}

	final := filepath.Join(outDir, "source-"+info.PexHash+".pex")
	if err := os.Rename(tmpOut, final); err != nil {
		return nil, fmt.Errorf("artifact: rename source bundle: %w", err)
	}
	b.logger().Info("built source bundle", "path", final)
	return &bundle.SourceBundle{Path: final, ContentHash: info.PexHash}, nil
}

func (b *Builder) runSetupBuild(ctx context.Context, dir string, v pex.PythonVersion, buildLib string) error {
	python := b.Python
	if python == "" {
		python = v.Interpreter()
	}
	cmd := exec.CommandContext(ctx, python, deps.SetupFile, "build", "--build-lib", buildLib)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	b.logger().Debug("running project build step", "dir", dir, "python", python)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s build in %s: %v\n%s",
			ErrBuildStep, python, deps.SetupFile, dir, err, strings.TrimSpace(out.String()))
	}
	return nil
}
