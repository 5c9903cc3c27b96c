package pex

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
)

// InfoEntry is the zip member holding the bundle metadata.
const InfoEntry = "PEX-INFO"

// Info is the subset of PEX-INFO the builder relies on.
type Info struct {
	PexHash       string            `json:"pex_hash"`
	Distributions map[string]string `json:"distributions"`
}

// ReadInfo opens the bundle at path and decodes its PEX-INFO entry.
func ReadInfo(path string) (Info, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Info{}, fmt.Errorf("pex: open %s: %w", path, err)
	}
	defer zr.Close()

	f, err := zr.Open(InfoEntry)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("%w: %s has no %s", ErrMissingInfo, path, InfoEntry)
		}
		return Info{}, fmt.Errorf("pex: read %s: %w", InfoEntry, err)
	}
	defer f.Close()

	var info Info
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("pex: decode %s: %w", InfoEntry, err)
	}
	if info.PexHash == "" {
		return Info{}, fmt.Errorf("%w: %s has no pex_hash", ErrMissingInfo, path)
	}
	return info, nil
}

// DistributionVersion finds pkg among the bundled distributions and returns
// its version. Distribution names look like "dagster-1.0.14-py3-none-any.whl".
// Names are scanned in sorted order so the result does not depend on map
// iteration.
func (i Info) DistributionVersion(pkg string) (string, bool) {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(pkg) + "-(.+?)-py")
	names := make([]string, 0, len(i.Distributions))
	for name := range i.Distributions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if m := pattern.FindStringSubmatch(name); m != nil {
			return m[1], true
		}
	}
	return "", false
}
