package storage

import "errors"

// ErrUnavailable wraps every backend failure surfaced by Consume so callers
// can tell a broken store apart from an exceeded policy.
var ErrUnavailable = errors.New("counter store unavailable")

// ErrUnsupportedRepository is returned by the factory for unknown backends.
var ErrUnsupportedRepository = errors.New("unsupported counter store repository")
