package params

import "errors"

// The four error kinds of the design's error-handling policy, exposed as
// sentinels so callers can errors.Is-match a kind without parsing message
// text. Every wrapped error still carries the offending path or value in
// its message.
var (
	// ErrPrecondition marks a violated caller contract: a malformed
	// instance size, a tree whose degrees don't tile the slot count, a
	// running-sums stride that doesn't divide the slot count, and so on.
	ErrPrecondition = errors.New("precondition violated")

	// ErrIO marks a failure to read or write a file under io/ or
	// datasets/.
	ErrIO = errors.New("i/o failure")

	// ErrDecodedAnomaly marks a decoded plaintext value that violates an
	// expected invariant, such as a missing or out-of-range payload
	// marker.
	ErrDecodedAnomaly = errors.New("decoded value anomaly")

	// ErrBackend marks a failure reported by the CKKS backend itself
	// (lattigo), propagated rather than re-interpreted.
	ErrBackend = errors.New("he backend failure")
)
