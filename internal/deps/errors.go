package deps

import "errors"

// ErrManifestNotFound indicates an expected dependency manifest is absent.
var ErrManifestNotFound = errors.New("dependency manifest not found")
