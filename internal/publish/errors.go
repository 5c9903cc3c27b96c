package publish

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoRuntimeVersion indicates a location whose deps bundle carries no
// runtime version, so no base image can be chosen.
var ErrNoRuntimeVersion = errors.New("deps bundle has no runtime version")

// LocationFailure is the error recorded for one location.
type LocationFailure struct {
	Location string
	Err      error
}

// PublishError aggregates every failed location of a publish, plus errors
// not tied to a single location.
type PublishError struct {
	Failures []LocationFailure
	Other    []error
}

func (e *PublishError) Error() string {
	var parts []string
	if len(e.Failures) > 0 {
		names := e.Locations()
		parts = append(parts, fmt.Sprintf("%d location(s) failed: %s", len(names), strings.Join(names, ", ")))
		for _, f := range e.Failures {
			parts = append(parts, fmt.Sprintf("%s: %v", f.Location, f.Err))
		}
	}
	for _, err := range e.Other {
		parts = append(parts, err.Error())
	}
	return "publish: " + strings.Join(parts, "\n")
}

// Unwrap returns every underlying error.
func (e *PublishError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+len(e.Other))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return append(errs, e.Other...)
}

// Locations returns the sorted names of the failed locations.
func (e *PublishError) Locations() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Location
	}
	sort.Strings(names)
	return names
}
