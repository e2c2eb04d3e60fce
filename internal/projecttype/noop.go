package projecttype

import (
	"context"
	"time"
)

// noopProjectType does nothing at every step; used by tests that only
// care about the lifecycle controller's state machine.
type noopProjectType struct {
	failFetch bool
}

func newNoopProjectType(params map[string]interface{}) ProjectType {
	fail, _ := params["fail_fetch"].(bool)
	return &noopProjectType{failFetch: fail}
}

func (n *noopProjectType) FetchProject(ctx context.Context) error {
	if n.failFetch {
		return &SetupFailureError{Op: "noop_project_type_fetch", Err: errFetch}
	}
	return nil
}

func (n *noopProjectType) RunJobConfigSetup(ctx context.Context) error {
	return nil
}

func (n *noopProjectType) TeardownBuild(ctx context.Context, timeout time.Duration) error {
	return nil
}

var errFetch = &staticError{"noop project type configured to fail fetch"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
