package server

import "github.com/pkg/errors"

// ErrHandshakeTimeout indicates a connection sent no Hello within the grace period.
var ErrHandshakeTimeout = errors.New("handshake timeout")

// ErrIdleTimeout indicates a handshaken connection went silent.
var ErrIdleTimeout = errors.New("idle timeout")
