// Package quaxerr defines the abstract error kinds shared across Quaxis's
// components as errors.Is-compatible sentinels, since none of these kinds
// are serialized onto the wire the way a Stratum JSON-RPC error code is.
package quaxerr

import "errors"

var (
	// ErrMalformedInput covers bad wire encoding, bad compact targets, and
	// truncated frames.
	ErrMalformedInput = errors.New("quaxis: malformed input")

	// ErrInvariantViolated marks an internal invariant break (e.g. two
	// connections holding the same extranonce). Callers that see this
	// should abort the process, not recover.
	ErrInvariantViolated = errors.New("quaxis: invariant violated")

	// ErrStaleWork marks a job or template that has expired.
	ErrStaleWork = errors.New("quaxis: stale work")

	// ErrDuplicateShare marks a (job_id, nonce) pair already seen.
	ErrDuplicateShare = errors.New("quaxis: duplicate share")

	// ErrTargetNotMet marks a validly-computed hash that exceeds its target.
	ErrTargetNotMet = errors.New("quaxis: target not met")

	// ErrSourceUnavailable marks the absence of any reachable chain-tip
	// source.
	ErrSourceUnavailable = errors.New("quaxis: no chain-tip source available")

	// ErrTimeout marks a bounded wait that elapsed without success.
	ErrTimeout = errors.New("quaxis: timeout")

	// ErrUnauthorized marks a pool-protocol credential rejection.
	ErrUnauthorized = errors.New("quaxis: unauthorized")

	// ErrInvalidJobID marks a share referencing a job id the manager has
	// never issued (as opposed to one it issued and later expired).
	ErrInvalidJobID = errors.New("quaxis: unknown job id")
)
