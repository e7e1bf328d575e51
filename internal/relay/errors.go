package relay

import "errors"

// Sentinel errors for capacity/protocol failures (spec.md §7 "error
// kinds"). internal/relay itself turns these into {type:"error"} frames
// at the point they're raised; they're exported so tests can assert on
// them with errors.Is.
var (
	ErrInvalidFileMeta = errors.New("invalid file meta")
	ErrTooManyFiles    = errors.New("too many simultaneous file transfers")
	ErrFileTooLarge    = errors.New("file too large")
)
