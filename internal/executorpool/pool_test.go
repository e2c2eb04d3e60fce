package executorpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamiebuilds/ClusterRunner/internal/executor"
)

func newTestExecutors(n int) []*executor.Executor {
	execs := make([]*executor.Executor, n)
	for i := 0; i < n; i++ {
		execs[i] = executor.New(i, nil)
	}
	return execs
}

func TestPool_FullInitially(t *testing.T) {
	p := New(newTestExecutors(3))
	assert.True(t, p.Full())
	assert.Equal(t, 3, p.Size())
}

func TestPool_AcquireRelease(t *testing.T) {
	p := New(newTestExecutors(2))

	ctx := context.Background()
	e1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, p.Full())

	e2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, p.Full())

	p.Release(e1)
	assert.False(t, p.Full())
	p.Release(e2)
	assert.True(t, p.Full())
}

func TestPool_AcquireBlocksWhenEmpty(t *testing.T) {
	p := New(newTestExecutors(1))
	ctx := context.Background()

	e, err := p.Acquire(ctx)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx2)
	assert.Error(t, err)

	p.Release(e)
	e2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, e2)
}

func TestPool_ReleaseIntoFullPoolPanics(t *testing.T) {
	p := New(newTestExecutors(1))
	assert.True(t, p.Full())

	e := p.all[0]
	assert.Panics(t, func() {
		p.Release(e)
	})
}

func TestPool_ForEachVisitsAll(t *testing.T) {
	p := New(newTestExecutors(4))
	seen := map[int]bool{}
	p.ForEach(func(e *executor.Executor) {
		seen[e.ID] = true
	})
	assert.Len(t, seen, 4)
}
