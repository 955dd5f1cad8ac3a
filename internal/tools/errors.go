package tools

import "errors"

// ErrOutsideRoot is returned by path validation when a requested path
// would resolve outside the sandbox root.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// ErrBadPath is returned for paths that are rejected before any
// filesystem access: empty, absolute, or otherwise malformed.
var ErrBadPath = errors.New("invalid path")
