package artifact

import "errors"

var (
	// ErrMissingRuntimeVersion indicates the deps bundle does not contain the runtime package.
	ErrMissingRuntimeVersion = errors.New("runtime package not found in deps bundle")
	// ErrBuildStep indicates the project's own build step failed.
	ErrBuildStep = errors.New("project build step failed")
)
