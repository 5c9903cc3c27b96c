// Package workspace parses the workspace file that declares the locations
// of a deployment.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/papapumpkin/pexship/internal/bundle"
)

// ErrMalformed indicates a workspace file that cannot be turned into locations.
var ErrMalformed = errors.New("malformed workspace file")

type document struct {
	Locations []map[string]any `yaml:"locations"`
}

// Load reads and parses the workspace file at path. Location directories are
// resolved relative to the file.
func Load(path string) ([]bundle.Location, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", path, err)
	}
	return Parse(data, abs)
}

// Parse decodes workspace YAML. file is recorded on every location and
// anchors relative directories.
func Parse(data []byte, file string) ([]bundle.Location, error) {
	var doc document
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, file, err)
	}
	if _, ok := raw["locations"]; !ok {
		return nil, fmt.Errorf("%w: %s: missing locations key", ErrMalformed, file)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, file, err)
	}

	base := filepath.Dir(file)
	seen := make(map[string]bool, len(doc.Locations))
	locations := make([]bundle.Location, 0, len(doc.Locations))
	for i, entry := range doc.Locations {
		name, _ := entry["location_name"].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: %s: location %d has no location_name", ErrMalformed, file, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s: duplicate location %q", ErrMalformed, file, name)
		}
		seen[name] = true

		dir, registry, err := buildSection(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: location %q: %v", ErrMalformed, file, name, err)
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}

		locations = append(locations, bundle.Location{
			Name:         name,
			Directory:    filepath.Clean(dir),
			LocationFile: file,
			Registry:     registry,
			Spec:         entry,
		})
	}
	return locations, nil
}

func buildSection(entry map[string]any) (dir, registry string, err error) {
	dir = "."
	rawBuild, ok := entry["build"]
	if !ok || rawBuild == nil {
		return dir, "", nil
	}
	build, ok := rawBuild.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("build must be a mapping")
	}
	if v, ok := build["directory"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", "", fmt.Errorf("build.directory must be a string")
		}
		if s != "" {
			dir = s
		}
	}
	if v, ok := build["registry"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", "", fmt.Errorf("build.registry must be a string")
		}
		registry = s
	}
	return dir, registry, nil
}

// Names returns the location names in declaration order.
func Names(locations []bundle.Location) []string {
	names := make([]string, len(locations))
	for i, l := range locations {
		names[i] = l.Name
	}
	return names
}
