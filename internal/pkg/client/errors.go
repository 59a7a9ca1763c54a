package client

import (
	"fmt"

	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
)

// ErrNotConnected indicates an operation that needs a live connection was called without one.
var ErrNotConnected = errors.New("not connected")

// ErrVersionGap indicates an Update skipped a version.
var ErrVersionGap = errors.New("version gap")

// ErrDivergence indicates the server's value disagrees with the locally replayed one.
var ErrDivergence = errors.New("mirror diverged")

// ErrTooManyConflicts indicates a proposal lost the version race more often than allowed.
var ErrTooManyConflicts = errors.New("too many version conflicts")

// ErrChecksumMismatch indicates the mirrored log does not replay to the mirrored value.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrClientDisconnected indicates that the server closed the connection.
var ErrClientDisconnected = errors.New("client disconnected")

// RejectError carries a Reject the server answered a proposal (or the session) with.
type RejectError struct {
	Reject wire.Reject
}

func (e *RejectError) Error() string {
	if e.Reject.Detail == "" {
		return fmt.Sprintf("rejected: %s (current version %d)", e.Reject.Reason, e.Reject.CurrentVersion)
	}
	return fmt.Sprintf("rejected: %s (current version %d): %s", e.Reject.Reason, e.Reject.CurrentVersion, e.Reject.Detail)
}
