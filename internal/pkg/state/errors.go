package state

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidOp indicates an op failed the size/shape pre-check.
var ErrInvalidOp = errors.New("invalid op")

// ErrReplayGap indicates a replayed entry sequence skips or repeats a version.
var ErrReplayGap = errors.New("replay gap")

// ErrReplayMismatch indicates a replayed entry records a value its op does not produce.
var ErrReplayMismatch = errors.New("replay mismatch")

// ConflictError is returned by TryApply when the expected version is not the current one.
type ConflictError struct {
	Expected int64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}
