package session

import "errors"

var ErrSessionNotFound = errors.New("session not found")
var ErrSessionAlreadyExists = errors.New("session already exists")

var ErrNotHandshaken = errors.New("message before handshake")
var ErrDuplicateHello = errors.New("repeated hello")
var ErrSessionClosed = errors.New("session closed")
var ErrOutOfPhase = errors.New("message not valid in this phase")
var ErrTooManyViolations = errors.New("violation tolerance exceeded")
var ErrInvalidClientID = errors.New("invalid client id")
var ErrBadTransition = errors.New("bad phase transition")
