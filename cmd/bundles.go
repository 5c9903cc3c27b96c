package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pexship/internal/registry"
)

var depsCmd = &cobra.Command{
	Use:   "deps PROJECT_DIR OUTPUT_DIR",
	Short: "Build only the dependencies bundle of a project",
	Long: `Resolves the project's requirements, builds the deps bundle into
OUTPUT_DIR and prints its name and runtime version as JSON.`,
	Args: cobra.ExactArgs(2),
	RunE: runDeps,
}

var sourceCmd = &cobra.Command{
	Use:   "source PROJECT_DIR OUTPUT_DIR",
	Short: "Build only the source bundle of a project",
	Args:  cobra.ExactArgs(2),
	RunE:  runSource,
}

func init() {
	depsCmd.Flags().String("python-version", "", "target python version")
	sourceCmd.Flags().String("python-version", "", "target python version")
	rootCmd.AddCommand(depsCmd, sourceCmd)
}

func runDeps(cmd *cobra.Command, args []string) error {
	projectDir, outDir := args[0], args[1]
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
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	req, err := e.resolver(true).Resolve(cmd.Context(), projectDir, v)
	if err != nil {
		return err
	}
	e.logger.Info("resolved requirements", "cache_key", req.CacheKey(), "lines", len(req.Lines()))

	d, err := e.builder().BuildDeps(cmd.Context(), req, outDir)
	if err != nil {
		reportBuildError(printer(nil), err)
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(registry.Entry{DepsPexName: d.Name(), DagsterVersion: d.RuntimeVersion()})
}

func runSource(cmd *cobra.Command, args []string) error {
	projectDir, outDir := args[0], args[1]
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
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	src, err := e.builder().BuildSource(cmd.Context(), projectDir, v, outDir)
	if err != nil {
		reportBuildError(printer(nil), err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), src.Path)
	return nil
}
