package handler

import "github.com/pkg/errors"

// ErrMissingDependency indicates a handler was built without a required collaborator.
var ErrMissingDependency = errors.New("missing dependency")

// ErrDuplicateProposal indicates a proposal repeats the session's last accepted one.
var ErrDuplicateProposal = errors.New("duplicate proposal")

// ErrUndeliveredVersion indicates an Ack for a version the session was never sent.
var ErrUndeliveredVersion = errors.New("ack for undelivered version")
