// Package deps derives the canonical dependency set of a project directory
// and the cache key that identifies it across build invocations.
package deps

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/papapumpkin/pexship/internal/pex"
)

// Requirements is the canonical dependency set of one location together with
// the runtime and packaging flags that affect binary compatibility.
type Requirements struct {
	Text          string // canonical: deduplicated, sorted, newline terminated
	PythonVersion pex.PythonVersion
	PexFlags      []string
}

// Lines returns the individual dependency specifiers of the canonical text.
func (r Requirements) Lines() []string {
	text := strings.TrimSuffix(r.Text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// CacheKey returns the hex sha1 of the canonical serialization of the
// requirements. Flag order does not affect the key.
func (r Requirements) CacheKey() string {
	flags := append([]string(nil), r.PexFlags...)
	sort.Strings(flags)

	h := sha1.New()
	h.Write([]byte(r.Text))
	h.Write([]byte{0})
	h.Write([]byte(r.PythonVersion.String()))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(flags, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical dedups, sorts and joins dependency lines. The result ends in a
// newline unless there are no lines at all.
func Canonical(lines []string) string {
	seen := make(map[string]struct{}, len(lines))
	uniq := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	if len(uniq) == 0 {
		return ""
	}
	sort.Strings(uniq)
	return strings.Join(uniq, "\n") + "\n"
}
