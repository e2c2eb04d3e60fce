// Package executorpool implements the worker agent's bounded executor
// pool, adapting roadrunner's pool.Watcher (Take/Release/Allocate/List)
// to an Acquire/Release/Full/ForEach admission-control discipline. A
// buffered channel is the natural semaphore here, matching roadrunner's
// own "pool as channel of handles" design.
package executorpool

import (
	"context"

	"github.com/spiral/errors"

	"github.com/jamiebuilds/ClusterRunner/internal/executor"
)

// Pool is a bounded container of exactly numExecutors Executor handles.
type Pool struct {
	all  []*executor.Executor
	idle chan *executor.Executor
}

// New constructs a Pool from the given Executors, all initially idle.
func New(executors []*executor.Executor) *Pool {
	idle := make(chan *executor.Executor, len(executors))
	for _, e := range executors {
		idle <- e
	}
	return &Pool{all: executors, idle: idle}
}

// Acquire removes one Executor from the idle set, blocking until one is
// available or ctx is done. This is the worker's admission-control
// point for incoming subjobs.
func (p *Pool) Acquire(ctx context.Context) (*executor.Executor, error) {
	const op = errors.Op("executor_pool_acquire")
	select {
	case e := <-p.idle:
		return e, nil
	case <-ctx.Done():
		return nil, errors.E(op, ctx.Err())
	}
}

// Release returns e to the idle set. e must be a handle previously
// returned by Acquire on this Pool; releasing into a full pool is a
// programmer error and panics.
func (p *Pool) Release(e *executor.Executor) {
	select {
	case p.idle <- e:
	default:
		panic("executorpool: release into a full pool")
	}
}

// Full reports whether every Executor is currently idle (|idle| ==
// numExecutors). Used by the setup gate and the teardown completion
// wait.
func (p *Pool) Full() bool {
	return len(p.idle) == cap(p.idle)
}

// Size returns the fixed number of executors this pool manages.
func (p *Pool) Size() int {
	return len(p.all)
}

// ForEach iterates the stable underlying set of all executors regardless
// of idle state; used to kill every executor during build teardown.
func (p *Pool) ForEach(fn func(*executor.Executor)) {
	for _, e := range p.all {
		fn(e)
	}
}
