package oracle

import "errors"

var (
	// ErrUnknownSource rejects observations from unregistered or
	// deactivated sources. Does not touch any window.
	ErrUnknownSource = errors.New("oracle: unknown or deactivated source")

	// ErrInvalidReading rejects malformed, out-of-range, or stale input.
	// Counted against the source, never retried by the engine.
	ErrInvalidReading = errors.New("oracle: invalid reading")

	// ErrWindowClosed rejects a reading arriving after its window closed.
	// Metered as a late arrival.
	ErrWindowClosed = errors.New("oracle: window already closed")

	// ErrOverflow terminates a subscriber that fell behind its buffer.
	// Non-fatal: resubscribe and re-fetch via point queries.
	ErrOverflow = errors.New("oracle: subscriber buffer overflow")
)
