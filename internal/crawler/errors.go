package crawler

import "errors"

// Sentinel errors shared across packages. Callers wrap them with context and
// match with errors.Is.
var (
	// ErrTransport marks a fetch that never produced an HTTP status.
	ErrTransport = errors.New("transport error")
	// ErrCodec marks a compression, decompression, or hashing failure.
	ErrCodec = errors.New("codec error")
	// ErrStorage marks a persistence failure.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned when a batch does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicatePage is returned when a (batch, url) pair is saved twice.
	ErrDuplicatePage = errors.New("page already recorded")
)
