package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pexship/internal/bundle"
	"github.com/papapumpkin/pexship/internal/pex"
	"github.com/papapumpkin/pexship/internal/planner"
	"github.com/papapumpkin/pexship/internal/ui"
	"github.com/papapumpkin/pexship/internal/watch"
	"github.com/papapumpkin/pexship/internal/workspace"
)

var watchCmd = &cobra.Command{
	Use:   "watch WORKSPACE_FILE OUTPUT_DIR",
	Short: "Rebuild local bundles whenever location files change",
	Long: `Builds every location once, then watches the location directories.
Source edits rebuild the source bundle of the affected location; manifest
edits also re-resolve and rebuild its deps bundle. Nothing is uploaded.`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("python-version", "", "target python version")
	rootCmd.AddCommand(watchCmd)
}

// rebuilder keeps the latest build of each location.
type rebuilder struct {
	planner *planner.Planner
	builder planner.Builder
	outDir  string
	version pex.PythonVersion
	builds  map[string]*bundle.LocationBuild
	out     *ui.Printer
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workspaceFile, outDir := args[0], args[1]
	e, err := loadEnv()
	if err != nil {
		return err
	}
	if err := e.cfg.Validate(false); err != nil {
		return err
	}
	v, err := e.pythonVersion(cmd)
	if err != nil {
		return err
	}
	locations, err := workspace.Load(workspaceFile)
	if err != nil {
		return err
	}
	e.logger.Info("loaded workspace", "file", workspaceFile, "locations", workspace.Names(locations))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	builder := e.builder()
	r := &rebuilder{
		planner: planner.New(e.resolver(false), builder, nil, planner.WithLogger(e.logger)),
		builder: builder,
		outDir:  outDir,
		version: v,
		builds:  make(map[string]*bundle.LocationBuild),
		out:     printer(nil),
	}
	if err := r.rebuild(ctx, locations); err != nil {
		return err
	}

	w, err := watch.NewWatcher(locations, outDir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Stop()
	r.out.Info(fmt.Sprintf("watching %d location(s), ctrl-c to stop", len(locations)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-w.Changes:
			if !ok {
				return nil
			}
			if err := r.apply(ctx, c); err != nil {
				r.out.LocationError(c.Location, err)
			}
		}
	}
}

// rebuild plans and builds locs from scratch.
func (r *rebuilder) rebuild(ctx context.Context, locs []bundle.Location) error {
	plan, err := r.planner.PlanAndBuild(ctx, locs, r.outDir, planner.CacheTags{}, r.version)
	if err != nil {
		reportBuildError(r.out, err)
		return err
	}
	for _, b := range plan.Builds {
		r.builds[b.Location.Name] = b
		r.out.Info(fmt.Sprintf("%s: %s", b.Location.Name, b.Tag))
	}
	return nil
}

// apply handles one settled change.
func (r *rebuilder) apply(ctx context.Context, c watch.Change) error {
	b, ok := r.builds[c.Location]
	if !ok {
		return fmt.Errorf("unknown location %q", c.Location)
	}
	if c.DepsChanged {
		return r.rebuild(ctx, []bundle.Location{b.Location})
	}
	src, err := r.builder.BuildSource(ctx, b.Location.Directory, r.version, r.outDir)
	if err != nil {
		return err
	}
	b.Source = src
	b.Tag = bundle.CompositeTag(b.Deps.Name(), src.Name())
	r.out.Info(fmt.Sprintf("%s: %s (%d file(s) changed)", b.Location.Name, b.Tag, len(c.Files)))
	return nil
}
