package pex

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPythonVersion is the target runtime used when none is given.
const DefaultPythonVersion = "3.8"

// PythonVersion is a target interpreter version reduced to major.minor.
type PythonVersion struct {
	Major int
	Minor int
}

// SupportedVersions lists the runtimes bundles can be built for, in order.
var SupportedVersions = []PythonVersion{
	{3, 8}, {3, 9}, {3, 10}, {3, 11}, {3, 12},
}

// ParsePythonVersion parses "X.Y" and checks it against SupportedVersions.
func ParsePythonVersion(s string) (PythonVersion, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return PythonVersion{}, fmt.Errorf("%w: %q", ErrUnsupportedPython, s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return PythonVersion{}, fmt.Errorf("%w: %q", ErrUnsupportedPython, s)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return PythonVersion{}, fmt.Errorf("%w: %q", ErrUnsupportedPython, s)
	}
	v := PythonVersion{Major: maj, Minor: mnr}
	if !v.Supported() {
		return PythonVersion{}, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedPython, v, supportedList())
	}
	return v, nil
}

// Supported reports whether v is one of SupportedVersions.
func (v PythonVersion) Supported() bool {
	for _, sv := range SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// String returns "X.Y".
func (v PythonVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Tag returns the compact form used in platform tags, e.g. "38".
func (v PythonVersion) Tag() string {
	return fmt.Sprintf("%d%d", v.Major, v.Minor)
}

// Interpreter returns the interpreter executable name, e.g. "python3.8".
func (v PythonVersion) Interpreter() string {
	return "python" + v.String()
}

// Flags returns the packaging flags that pin bundles to the target runtime.
// Packages for the build host are always included by the tool; the
// manylinux platform keeps bundles built on macOS or Windows runnable on
// the linux deployment hosts.
func Flags(v PythonVersion) []string {
	tag := v.Tag()
	return []string{
		"--python=" + v.Interpreter(),
		fmt.Sprintf("--platform=macosx_12_0_x86_64-cp-%s-cp%s", tag, tag),
		fmt.Sprintf("--platform=manylinux2014_x86_64-cp-%s-cp%s", tag, tag),
	}
}

func supportedList() string {
	names := make([]string, len(SupportedVersions))
	for i, v := range SupportedVersions {
		names[i] = v.String()
	}
	return strings.Join(names, ", ")
}
