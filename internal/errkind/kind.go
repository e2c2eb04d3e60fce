// Package errkind defines the error Kinds used with github.com/spiral/errors
// throughout the worker agent, the way roadrunner's own plugins define
// domain Kinds (Network, Decode, SoftJob, ExecTTL) on top of the shared
// errors.E/errors.Op machinery.
package errkind

import "github.com/spiral/errors"

const (
	// BadRequest: the manager sent a request inconsistent with worker
	// state (teardown without a build, subjob for the wrong build).
	BadRequest errors.Kind = iota + 1
	// InvalidState: an internal invariant was violated (setup requested
	// against a non-idle pool). Indicates a manager-side protocol bug.
	InvalidState
	// SetupFailure: a ProjectType step failed during asynchronous setup.
	SetupFailure
	// Transport: a connection or timeout fault talking to the manager.
	Transport
	// Fatal: anything else, routed to the shutdown coordinator.
	Fatal
)
