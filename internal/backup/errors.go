package backup

import "errors"

// Error classes for a backup pass. Callers match them with errors.Is;
// the wrapped message carries the specifics.
var (
	// ErrConfiguration is a missing or invalid required setting. It is
	// reported before a run is touched whenever possible.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvariantViolation means the store holds more than one open run
	// for a client. It is never resolved automatically.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrMissingSource means a configured source root does not exist.
	ErrMissingSource = errors.New("missing source")

	// ErrTransientIO is a transient copy/open failure that persisted
	// through every retry attempt.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrBackendFailure means the archive backend rejected or failed a write.
	ErrBackendFailure = errors.New("backend failure")
)
