// Package executor implements the worker agent's Executor: a handle
// exclusively owned by at most one in-flight subjob at a time, backed by
// a subjob-runner subprocess. Execution and configuration RPCs are
// adapted from roadrunner's worker.SyncWorkerImpl.execPayload, swapping
// PHP payload exec for a JSON-encoded shell-command batch.
package executor

import (
	"context"
)

// SubjobExecutor is the external collaborator a worker treats as
// opaque: something that can run one list of atomic commands and yield
// a results artifact path. The Core only ever talks to this interface;
// processExecutor below is its one concrete, process-backed
// implementation, and tests may supply their own fake.
type SubjobExecutor interface {
	ConfigureProjectType(ctx context.Context, buildID int, projectTypeParams map[string]interface{}) error
	ExecuteSubjob(ctx context.Context, buildID, subjobID int, atomicCommands []string, baseExecutorIndex int) (string, error)
	Kill() error
	APIRepresentation() APIRepresentation
}

// Executor is exclusively owned by at most one in-flight subjob at a
// time; otherwise it sits idle in executorpool.Pool. ID is dense and
// immutable for the executor's lifetime.
type Executor struct {
	ID int
	SubjobExecutor
}

// New constructs an Executor backed by the default process-based
// SubjobExecutor. spawner lazily starts (or restarts, after a kill) the
// backing subjob-runner subprocess.
func New(id int, spawner Spawner) *Executor {
	return &Executor{ID: id, SubjobExecutor: newProcessExecutor(id, spawner)}
}

// NewWithExecutor constructs an Executor around an arbitrary
// SubjobExecutor implementation, for tests and for alternative
// transports.
func NewWithExecutor(id int, impl SubjobExecutor) *Executor {
	return &Executor{ID: id, SubjobExecutor: impl}
}

// APIRepresentation adapts roadrunner's state/process.State reporting to
// describe one executor for the worker's GET /v1/worker response.
type APIRepresentation struct {
	ExecutorID  int     `json:"executor_id"`
	Pid         int     `json:"pid"`
	Status      string  `json:"status"`
	NumExecs    uint64  `json:"num_execs"`
	MemoryUsage uint64  `json:"memory_usage"`
	CPUPercent  float64 `json:"cpu_percent"`
}
