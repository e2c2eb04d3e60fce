// Package projecttype defines the ProjectType abstraction over the
// VCS/build environment: opaque to the Core, but given one concrete
// default implementation here so the lifecycle controller has
// something real to drive end to end.
package projecttype

import (
	"context"
	"time"

	"github.com/spiral/errors"
)

// SetupFailureError marks a failure raised by a ProjectType step during
// asynchronous build setup. The async setup task recovers from this
// locally and reports SETUP_FAILED.
type SetupFailureError struct {
	Op  errors.Op
	Err error
}

func (e *SetupFailureError) Error() string {
	return "setup failure in " + string(e.Op) + ": " + e.Err.Error()
}

func (e *SetupFailureError) Unwrap() error {
	return e.Err
}

// ProjectType is the per-build workspace abstraction the Lifecycle
// Controller drives through FetchProject, RunJobConfigSetup, and
// TeardownBuild. It has no per-executor hook: each executor is
// configured through its own Executor.ConfigureProjectType.
type ProjectType interface {
	// FetchProject checks out or otherwise materializes the project.
	FetchProject(ctx context.Context) error
	// RunJobConfigSetup runs any build-wide setup commands.
	RunJobConfigSetup(ctx context.Context) error
	// TeardownBuild releases workspace resources, bounded by timeout.
	TeardownBuild(ctx context.Context, timeout time.Duration) error
}

// Factory constructs a ProjectType from the manager-supplied parameter
// bag (e.g. {"type": "git", "url": "...", "ref": "..."}).
type Factory func(params map[string]interface{}) (ProjectType, error)

// DefaultFactory dispatches on params["type"], matching the project
// types a ClusterRunner-style manager is expected to send.
func DefaultFactory(params map[string]interface{}) (ProjectType, error) {
	const op = errors.Op("projecttype_factory")

	kind, _ := params["type"].(string)
	switch kind {
	case "git":
		return newGitProjectType(params)
	case "noop", "":
		return newNoopProjectType(params), nil
	default:
		return nil, errors.E(op, errors.Str("unknown project type: "+kind))
	}
}
