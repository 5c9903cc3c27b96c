package deps

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/papapumpkin/pexship/internal/pex"
)

// Manifest file names looked up in a project directory.
const (
	RequirementsFile = "requirements.txt"
	SetupFile        = "setup.py"
	PyprojectFile    = "pyproject.toml"
)

// StandardPackages are added to every dependency set.
var StandardPackages = []string{"setproctitle"}

// Options controls dependency resolution.
type Options struct {
	// Python runs setup.py egg_info. Defaults to "python3".
	Python string
	// RequireManifest fails resolution when no manifest exists at all.
	RequireManifest bool
	// StandardPackages overrides the package-level default when non-nil.
	StandardPackages []string
	// Flags overrides pex.Flags(v) when non-nil.
	Flags []string
	// Logger receives debug output. Nil discards.
	Logger *slog.Logger
}

// Resolver resolves project directories with fixed Options.
type Resolver struct {
	Options Options
}

// NewResolver returns a Resolver using opts.
func NewResolver(opts Options) *Resolver {
	return &Resolver{Options: opts}
}

// Resolve resolves dir for the target runtime v.
func (r *Resolver) Resolve(ctx context.Context, dir string, v pex.PythonVersion) (Requirements, error) {
	return Resolve(ctx, dir, v, r.Options)
}

// Resolve reads the dependency manifests in dir and returns the canonical
// requirements for runtime v. Missing manifests are skipped; with none at
// all the result holds only the standard packages.
func Resolve(ctx context.Context, dir string, v pex.PythonVersion, opts Options) (Requirements, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var lines []string
	found := 0

	reqLines, ok, err := readRequirementsFile(filepath.Join(dir, RequirementsFile))
	if err != nil {
		return Requirements{}, err
	}
	if ok {
		found++
		lines = append(lines, reqLines...)
	}

	pyLines, ok, err := readPyproject(filepath.Join(dir, PyprojectFile))
	if err != nil {
		return Requirements{}, err
	}
	if ok {
		found++
		lines = append(lines, pyLines...)
	}

	if fileExists(filepath.Join(dir, SetupFile)) {
		found++
		setupLines, err := readSetupRequires(ctx, dir, opts.Python)
		if err != nil {
			return Requirements{}, err
		}
		lines = append(lines, setupLines...)
	}

	if found == 0 && opts.RequireManifest {
		return Requirements{}, fmt.Errorf("%w: none of %s, %s, %s in %s",
			ErrManifestNotFound, RequirementsFile, PyprojectFile, SetupFile, dir)
	}

	std := opts.StandardPackages
	if std == nil {
		std = StandardPackages
	}
	lines = append(lines, std...)

	flags := opts.Flags
	if flags == nil {
		flags = pex.Flags(v)
	}

	req := Requirements{
		Text:          Canonical(filterSelf(lines)),
		PythonVersion: v,
		PexFlags:      flags,
	}
	logger.Debug("resolved requirements", "dir", dir, "manifests", found, "lines", len(req.Lines()), "cache_key", req.CacheKey())
	return req, nil
}

// filterSelf drops references to the project itself, which the source
// bundle already carries.
func filterSelf(lines []string) []string {
	out := lines[:0:0]
	for _, l := range lines {
		switch strings.Join(strings.Fields(l), " ") {
		case ".", "./", "-e .", "-e ./", "--editable .", "--editable ./":
			continue
		}
		out = append(out, l)
	}
	return out
}

func readRequirementsFile(path string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("deps: read %s: %w", path, err)
	}
	return parseRequirements(data), true, nil
}

func parseRequirements(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		lines = append(lines, line)
	}
	return lines
}

type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

func readPyproject(path string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("deps: read %s: %w", path, err)
	}
	var doc pyproject
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("deps: parse %s: %w", path, err)
	}
	return doc.Project.Dependencies, true, nil
}

// readSetupRequires runs setup.py egg_info into a scratch directory and
// reads the install requirements it writes.
func readSetupRequires(ctx context.Context, dir, python string) ([]string, error) {
	if python == "" {
		python = "python3"
	}
	eggBase, err := os.MkdirTemp("", "pexship-egg-*")
	if err != nil {
		return nil, fmt.Errorf("deps: create egg dir: %w", err)
	}
	defer os.RemoveAll(eggBase)

	cmd := exec.CommandContext(ctx, python, SetupFile, "egg_info", "--egg-base", eggBase)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("deps: %s egg_info in %s: %w: %s", SetupFile, dir, err, strings.TrimSpace(stderr.String()))
	}

	matches, err := filepath.Glob(filepath.Join(eggBase, "*.egg-info"))
	if err != nil {
		return nil, fmt.Errorf("deps: glob egg-info: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s egg_info produced no metadata in %s", ErrManifestNotFound, SetupFile, dir)
	}

	data, err := os.ReadFile(filepath.Join(matches[0], "requires.txt"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deps: read requires.txt: %w", err)
	}
	return parseEggRequires(data), nil
}

// parseEggRequires reads an egg-info requires.txt. Unconditional
// requirements come first; "[:marker]" sections carry environment markers
// and are kept with the marker appended. Extras sections are skipped.
func parseEggRequires(data []byte) []string {
	var lines []string
	marker := ""
	inExtra := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section := line[1 : len(line)-1]
			if m, ok := strings.CutPrefix(section, ":"); ok {
				marker, inExtra = m, false
			} else {
				marker, inExtra = "", true
			}
			continue
		}
		if inExtra {
			continue
		}
		if marker != "" {
			line += "; " + marker
		}
		lines = append(lines, line)
	}
	return lines
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
