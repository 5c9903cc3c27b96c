package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pexship/internal/artifact"
	"github.com/papapumpkin/pexship/internal/ci"
	"github.com/papapumpkin/pexship/internal/cloud"
	"github.com/papapumpkin/pexship/internal/config"
	"github.com/papapumpkin/pexship/internal/deps"
	"github.com/papapumpkin/pexship/internal/logx"
	"github.com/papapumpkin/pexship/internal/pex"
	"github.com/papapumpkin/pexship/internal/registry"
	"github.com/papapumpkin/pexship/internal/ui"
)

// env carries what every command needs, built once from config.
type env struct {
	cfg    config.Config
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &env{cfg: cfg, logger: logx.New(nil, cfg.Verbose, cfg.LogFormat)}, nil
}

// pythonVersion reads --python-version, falling back to config.
func (e *env) pythonVersion(cmd *cobra.Command) (pex.PythonVersion, error) {
	s := e.cfg.PythonVersion
	if f := cmd.Flags().Lookup("python-version"); f != nil && f.Changed {
		s = f.Value.String()
	}
	if s == "" {
		s = pex.DefaultPythonVersion
	}
	return pex.ParsePythonVersion(s)
}

func (e *env) builder() *artifact.Builder {
	b := artifact.NewBuilder(pex.NewCLI(e.cfg.PexPath, e.logger), e.logger)
	b.Python = e.cfg.PythonPath
	if e.cfg.RuntimePackage != "" {
		b.RuntimePackage = e.cfg.RuntimePackage
	}
	return b
}

func (e *env) resolver(requireManifest bool) *deps.Resolver {
	return deps.NewResolver(deps.Options{
		Python:          e.cfg.PythonPath,
		RequireManifest: requireManifest,
		Logger:          e.logger,
	})
}

func (e *env) client() (*cloud.Client, error) {
	return cloud.NewClient(e.cfg.CloudURL, e.cfg.APIToken,
		cloud.WithHTTPClient(&http.Client{Timeout: e.cfg.HTTPTimeout}),
		cloud.WithDeployment(e.cfg.Deployment),
		cloud.WithLogger(e.logger),
	)
}

// coordinator assembles the cache. client may be nil when only the local
// index is used. The returned close func releases the local index.
func (e *env) coordinator(ctx context.Context, client *cloud.Client) (*registry.Coordinator, func(), error) {
	var (
		store    registry.Store
		uploader registry.Uploader
		closer   = func() {}
	)
	if client != nil {
		remote := registry.NewRemoteStore(client, &http.Client{Timeout: e.cfg.HTTPTimeout})
		store, uploader = remote, remote
	}
	if path := e.cfg.Cache.LocalDB; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cache index dir: %w", err)
		}
		local, err := registry.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		store = local
		closer = func() {
			if err := local.Close(); err != nil {
				e.logger.Warn("closing cache index", "error", err)
			}
		}
	}
	return registry.NewCoordinator(store, uploader, e.logger), closer, nil
}

func (e *env) ciContext(ctx context.Context, projectDir string) (*ci.Context, error) {
	opts := ci.Options{
		ProjectDir: projectDir,
		Git:        ci.GitCLI{},
		Logger:     e.logger,
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		opts.Avatars = ci.GitHubAvatars{Token: token, HTTP: &http.Client{Timeout: e.cfg.HTTPTimeout}}
	}
	return ci.FromEnv(ctx, opts)
}

func printer(c *ci.Context) *ui.Printer {
	mode := ui.Plain
	if c != nil {
		mode = ui.ModeFor(c.Provider)
	}
	return ui.New(nil, mode)
}

// reportBuildError prints captured tool output for packaging failures.
func reportBuildError(p *ui.Printer, err error) {
	var toolErr *pex.ToolError
	if errors.As(err, &toolErr) {
		p.Error(fmt.Sprintf("packaging tool exited with %d", toolErr.ExitCode))
		if toolErr.Stdout != "" {
			p.Info(toolErr.Stdout)
		}
		if toolErr.Stderr != "" {
			p.Info(toolErr.Stderr)
		}
		return
	}
	p.Error(err.Error())
}
