package pex

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedPython indicates a target runtime outside SupportedVersions.
	ErrUnsupportedPython = errors.New("unsupported python version")
	// ErrNothingToPackage indicates a build with neither source directories nor requirement files.
	ErrNothingToPackage = errors.New("at least one source directory or requirements file is required")
	// ErrMissingInfo indicates the bundle has no readable PEX-INFO metadata.
	ErrMissingInfo = errors.New("bundle metadata missing")
)

// ToolError records a failed packaging tool invocation with its captured output.
type ToolError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Error returns the failure with the tool's output appended.
func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "packaging tool failed (exit %d): %v", e.ExitCode, e.Err)
	if out := strings.TrimSpace(e.Stdout); out != "" {
		b.WriteString("\nstdout: ")
		b.WriteString(out)
	}
	if out := strings.TrimSpace(e.Stderr); out != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(out)
	}
	return b.String()
}

// Unwrap returns the underlying exec error.
func (e *ToolError) Unwrap() error {
	return e.Err
}
