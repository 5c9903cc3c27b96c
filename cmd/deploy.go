package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pexship/internal/ci"
	"github.com/papapumpkin/pexship/internal/cloud"
	"github.com/papapumpkin/pexship/internal/metrics"
	"github.com/papapumpkin/pexship/internal/planner"
	"github.com/papapumpkin/pexship/internal/publish"
	"github.com/papapumpkin/pexship/internal/telemetry"
	"github.com/papapumpkin/pexship/internal/workspace"
)

// autoTag asks for the pipeline's default cache tag.
const autoTag = "auto"

var deployCmd = &cobra.Command{
	Use:   "deploy WORKSPACE_FILE OUTPUT_DIR",
	Short: "Build bundles for every location and optionally publish them",
	Long: `Builds a deps bundle per distinct dependency set and a source bundle per
location into OUTPUT_DIR. With --upload-pex the bundles are uploaded, and with
--update-code-location every location is registered and awaited in parallel.

--deps-cache-from and --deps-cache-to name cache tags to read and write deps
bundles under. "auto" uses <project>/<branch> from the CI environment.`,
	Args: cobra.ExactArgs(2),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().Bool("upload-pex", false, "upload built bundles to the blob cache")
	deployCmd.Flags().Bool("update-code-location", false, "register every location and wait for it to load")
	deployCmd.Flags().String("deps-cache-from", "", "cache tag to reuse deps bundles from")
	deployCmd.Flags().String("deps-cache-to", "", "cache tag to record built deps bundles under")
	deployCmd.Flags().String("python-version", "", "target python version (default from config, 3.8)")
	deployCmd.Flags().String("deployment", "", "deployment to register locations in")
	deployCmd.Flags().String("events-file", "", "append JSONL build events to this file")
	deployCmd.Flags().String("metrics-file", "", "write Prometheus textfile metrics to this file")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workspaceFile, outDir := args[0], args[1]
	upload, _ := cmd.Flags().GetBool("upload-pex")
	register, _ := cmd.Flags().GetBool("update-code-location")
	readFlag, _ := cmd.Flags().GetString("deps-cache-from")
	writeFlag, _ := cmd.Flags().GetString("deps-cache-to")
	deployment, _ := cmd.Flags().GetString("deployment")
	eventsFile, _ := cmd.Flags().GetString("events-file")
	metricsFile, _ := cmd.Flags().GetString("metrics-file")

	e, err := loadEnv()
	if err != nil {
		return err
	}
	usesCache := readFlag != "" || writeFlag != ""
	needRemote := upload || register || (usesCache && e.cfg.Cache.LocalDB == "")
	if err := e.cfg.Validate(needRemote); err != nil {
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

	ciCtx, err := e.ciContext(ctx, filepath.Dir(workspaceFile))
	if err != nil {
		return err
	}
	tags, err := cacheTags(readFlag, writeFlag, ciCtx)
	if err != nil {
		return err
	}

	events, err := openEvents(eventsFile)
	if err != nil {
		return err
	}
	defer events.Close()
	rec := metrics.New()

	var client *cloud.Client
	if needRemote {
		if client, err = e.client(); err != nil {
			return err
		}
	}
	cache, closeCache, err := e.coordinator(ctx, client)
	if err != nil {
		return err
	}
	defer closeCache()

	out := printer(ciCtx)
	out.Group("Building bundles")
	plan, err := planner.New(e.resolver(false), e.builder(), cache,
		planner.WithLogger(e.logger),
		planner.WithTelemetry(events),
		planner.WithMetrics(rec),
	).PlanAndBuild(ctx, locations, outDir, tags, v)
	out.EndGroup()
	if err != nil {
		reportBuildError(out, err)
		writeMetrics(e, rec, metricsFile)
		return err
	}

	opts := e.publishOptions(upload, register, tags, plan)
	opts.Deployment = deployment
	opts.CI = ciCtx
	opts.PythonVersion = v
	var svc publish.Service
	if client != nil {
		svc = client
		opts.DefaultDeployment = client.Deployment()
	}
	pub := publish.New(svc, cache,
		publish.WithLogger(e.logger),
		publish.WithTelemetry(events),
		publish.WithMetrics(rec),
	)

	var target string
	if register {
		out.Group("Selecting deployment")
		target, err = pub.SelectDeployment(ctx, opts)
		out.EndGroup()
		if err != nil {
			out.Error(err.Error())
			writeMetrics(e, rec, metricsFile)
			return err
		}
		opts.Deployment = target
	}

	if publishes(opts) {
		out.Group("Publishing locations")
		err = pub.Publish(ctx, plan.Builds, opts)
		out.EndGroup()
	}

	for _, b := range plan.Builds {
		if b.Err != nil {
			out.LocationError(b.Location.Name, b.Err)
		}
	}
	var perr *publish.PublishError
	if errors.As(err, &perr) {
		for _, other := range perr.Other {
			out.Error(other.Error())
		}
	}
	out.Summary(target, plan.Builds)
	writeMetrics(e, rec, metricsFile)
	return err
}

// publishOptions maps config and flags onto the publish phase.
func (e *env) publishOptions(upload, register bool, tags planner.CacheTags, plan *planner.Plan) publish.Options {
	return publish.Options{
		Upload:                   upload,
		Register:                 register,
		WriteTag:                 tags.Write,
		States:                   plan.States,
		LocalIndex:               e.cfg.Cache.LocalDB != "",
		DefaultDeployment:        e.cfg.Deployment,
		BaseImage:                e.cfg.BaseImage,
		BaseImagePrefix:          e.cfg.BaseImagePrefix,
		FirstRunHeartbeatTimeout: e.cfg.FirstRunHeartbeatTimeout,
		Wait: cloud.WaitOptions{
			LoadTimeout:      e.cfg.LocationLoadTimeout,
			HeartbeatTimeout: e.cfg.AgentHeartbeatTimeout,
			PollInterval:     e.cfg.PollInterval,
		},
	}
}

// publishes reports whether opts leave anything for the publish phase to do.
func publishes(opts publish.Options) bool {
	return opts.Upload || opts.Register || (opts.LocalIndex && opts.WriteTag != "")
}

// cacheTags resolves the cache tag flags, expanding "auto".
func cacheTags(read, write string, c *ci.Context) (planner.CacheTags, error) {
	expand := func(flag, tag string) (string, error) {
		if tag != autoTag {
			return tag, nil
		}
		def := ""
		if c != nil {
			def = c.DefaultCacheTag()
		}
		if def == "" {
			return "", fmt.Errorf("--%s=auto needs a branch from the CI environment", flag)
		}
		return def, nil
	}
	r, err := expand("deps-cache-from", read)
	if err != nil {
		return planner.CacheTags{}, err
	}
	w, err := expand("deps-cache-to", write)
	if err != nil {
		return planner.CacheTags{}, err
	}
	return planner.CacheTags{Read: r, Write: w}, nil
}

func openEvents(path string) (*telemetry.Emitter, error) {
	if path == "" {
		return nil, nil
	}
	return telemetry.NewEmitter(path)
}

func writeMetrics(e *env, rec *metrics.Recorder, path string) {
	if path == "" {
		return
	}
	if err := rec.WriteTextfile(path); err != nil {
		e.logger.Warn("writing metrics", "error", err)
	}
}
