// Package pex drives the external pex packaging tool and reads the metadata
// it embeds in the bundles it produces.
package pex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// BuildSpec describes a single packaging tool invocation.
type BuildSpec struct {
	SourceDirs       []string // passed as -D
	RequirementFiles []string // passed as -r
	Flags            []string // target runtime flags, see Flags
	Output           string   // -o
	Root             string   // --pex-root; empty keeps the tool default
}

// Tool builds a bundle from a BuildSpec.
type Tool interface {
	Build(ctx context.Context, spec BuildSpec) error
}

// CLI implements Tool by running the pex executable.
type CLI struct {
	Path   string
	Logger *slog.Logger
}

// NewCLI returns a CLI for the executable at path ("pex" when empty).
func NewCLI(path string, logger *slog.Logger) *CLI {
	if path == "" {
		path = "pex"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CLI{Path: path, Logger: logger}
}

// BuildArgs returns the command line arguments for spec.
func BuildArgs(spec BuildSpec) ([]string, error) {
	if len(spec.SourceDirs) == 0 && len(spec.RequirementFiles) == 0 {
		return nil, ErrNothingToPackage
	}
	if spec.Output == "" {
		return nil, fmt.Errorf("pex: output path required")
	}
	args := make([]string, 0, len(spec.Flags)+2*len(spec.SourceDirs)+2*len(spec.RequirementFiles)+4)
	args = append(args, spec.Flags...)
	for _, dir := range spec.SourceDirs {
		args = append(args, "-D", dir)
	}
	for _, req := range spec.RequirementFiles {
		args = append(args, "-r", req)
	}
	if spec.Root != "" {
		args = append(args, "--pex-root", spec.Root)
	}
	args = append(args, "-o", spec.Output)
	return args, nil
}

// Build runs the packaging tool. A non-zero exit is returned as *ToolError.
func (c *CLI) Build(ctx context.Context, spec BuildSpec) error {
	args, err := BuildArgs(spec)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = buildEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.Logger.Debug("running packaging tool", "path", c.Path, "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &ToolError{
			Args:     append([]string{c.Path}, args...),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return nil
}

// buildEnv drops PEX_* variables inherited from a parent pex so they do
// not leak into the bundle being built.
func buildEnv(base []string) []string {
	env := make([]string, 0, len(base))
	for _, e := range base {
		if strings.HasPrefix(e, "PEX_") {
			continue
		}
		env = append(env, e)
	}
	return env
}
