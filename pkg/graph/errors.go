package graph

import "errors"

// The closed error set. Every failure a store operation can report wraps
// exactly one of these sentinels; the RPC boundary matches with errors.Is
// and renders the wrapped message verbatim.
var (
	// ErrInvalidLevel is returned for a level other than "user" or "project".
	ErrInvalidLevel = errors.New("invalid level")

	// ErrUnknownSession is returned for a session ID that was never
	// registered or has expired.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNodeNotFound is returned when a delete or recall names a node
	// that does not exist at the given level.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNotArchived is returned by recall for a node that exists but is
	// currently active.
	ErrNotArchived = errors.New("node not archived")

	// ErrInvalidArgument is returned for malformed input: empty required
	// strings, wrong payload shape, missing fields.
	ErrInvalidArgument = errors.New("invalid argument")
)
