package malicious

import (
	"syscall"

	"github.com/pkg/errors"
)

// ErrUnknownStep indicates a step name the driver has no script for.
var ErrUnknownStep = errors.New("unknown step")

// ErrHandshakeRejected indicates the server refused the handshake a step needed.
var ErrHandshakeRejected = errors.New("handshake rejected")

// ErrNoReaction indicates the server neither answered nor closed within the observe timeout.
var ErrNoReaction = errors.New("no reaction from server")

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
