package worker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jamiebuilds/ClusterRunner/internal/analytics"
	"github.com/jamiebuilds/ClusterRunner/internal/digest"
	"github.com/jamiebuilds/ClusterRunner/internal/executor"
	"github.com/jamiebuilds/ClusterRunner/internal/executorpool"
	"github.com/jamiebuilds/ClusterRunner/internal/managerclient"
	"github.com/jamiebuilds/ClusterRunner/internal/managerfake"
	"github.com/jamiebuilds/ClusterRunner/internal/projecttype"
	"github.com/jamiebuilds/ClusterRunner/internal/shutdown"
)

// fakeSubjobExecutor is a SubjobExecutor whose behavior is entirely
// driven by test fixtures, so the Lifecycle Controller's tests never
// spawn a real subjob-runner subprocess.
type fakeSubjobExecutor struct {
	mu sync.Mutex

	configureErr error
	executeErr   error
	resultsPath  string

	configureCalls int
	executeCalls   int
	killCalls      int
}

func (f *fakeSubjobExecutor) ConfigureProjectType(ctx context.Context, buildID int, params map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureCalls++
	return f.configureErr
}

func (f *fakeSubjobExecutor) ExecuteSubjob(ctx context.Context, buildID, subjobID int, commands []string, baseIdx int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executeCalls++
	if f.executeErr != nil {
		return "", f.executeErr
	}
	return f.resultsPath, nil
}

func (f *fakeSubjobExecutor) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	return nil
}

func (f *fakeSubjobExecutor) APIRepresentation() executor.APIRepresentation {
	return executor.APIRepresentation{}
}

func (f *fakeSubjobExecutor) ExecuteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeCalls
}

func (f *fakeSubjobExecutor) ConfigureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configureCalls
}

func (f *fakeSubjobExecutor) KillCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCalls
}

// testFixture wires a Worker to a managerfake.Server and N fake
// executors; callers get direct access to both ends.
type testFixture struct {
	worker *Worker
	fake   *managerfake.Server
	fakes  []*fakeSubjobExecutor
	pool   *executorpool.Pool
	coord  *shutdown.Coordinator
}

func newFixture(t *testing.T, numExecutors int) *testFixture {
	t.Helper()

	fake := managerfake.New()
	t.Cleanup(fake.Close)

	fakeExecs := make([]*fakeSubjobExecutor, numExecutors)
	execs := make([]*executor.Executor, numExecutors)
	for i := 0; i < numExecutors; i++ {
		fakeExecs[i] = &fakeSubjobExecutor{}
		execs[i] = executor.NewWithExecutor(i, fakeExecs[i])
	}
	pool := executorpool.New(execs)

	client := managerclient.New(fake.URL(), digest.NewSecret(""), numExecutors)
	coord := shutdown.New(zap.NewNop())

	w := New(Config{
		Host:                 "127.0.0.1",
		Port:                 9000,
		NumExecutors:         numExecutors,
		TeardownPollInterval: 5 * time.Millisecond,
		TeardownTimeout:      time.Second,
	}, pool, client, projecttype.DefaultFactory, analytics.NewLoggingSink(zap.NewNop()), zap.NewNop(), coord)

	return &testFixture{worker: w, fake: fake, fakes: fakeExecs, pool: pool, coord: coord}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// Connecting to the manager registers this process and assigns a
// worker id.
func TestWorker_ConnectToManagerRegisters(t *testing.T) {
	f := newFixture(t, 2)
	err := f.worker.ConnectToManager(context.Background(), f.fake.URL())
	require.NoError(t, err)
	assert.True(t, f.worker.IsAlive())
	assert.NotZero(t, f.worker.WorkerID())
}

// Setup is rejected unless the pool is full and no build is already
// active.
func TestWorker_SetupBuildRejectsWhenPoolNotFull(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))

	_, err := f.pool.Acquire(context.Background())
	require.NoError(t, err)

	err = f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0)
	assert.Error(t, err)
}

func TestWorker_SetupBuildRejectsConcurrentBuild(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))

	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0))
	err := f.worker.SetupBuild(2, map[string]interface{}{"type": "noop"}, 0)
	assert.Error(t, err)
}

// A successful setup configures every executor and reports
// SETUP_COMPLETE.
func TestWorker_SetupBuildSucceeds(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))

	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0))

	waitFor(t, time.Second, func() bool {
		changes := f.fake.StateChanges()
		return len(changes) > 0 && changes[len(changes)-1].State == "SETUP_COMPLETE"
	})

	for _, fe := range f.fakes {
		assert.Equal(t, 1, fe.ConfigureCalls())
	}
}

// A failing ProjectType reports SETUP_FAILED instead.
func TestWorker_SetupBuildReportsFailure(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))

	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop", "fail_fetch": true}, 0))

	waitFor(t, time.Second, func() bool {
		changes := f.fake.StateChanges()
		return len(changes) > 0 && changes[len(changes)-1].State == "SETUP_FAILED"
	})
}

// StartSubjob acquires an executor, runs it, releases it, and uploads
// the result.
func TestWorker_StartSubjobUploadsResult(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))
	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0))
	waitFor(t, time.Second, func() bool { return len(f.fake.StateChanges()) > 0 })

	tmp, err := os.CreateTemp(t.TempDir(), "result")
	require.NoError(t, err)
	_, err = tmp.WriteString("results")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	for _, fe := range f.fakes {
		fe.resultsPath = tmp.Name()
	}

	execID, err := f.worker.StartSubjob(context.Background(), 1, 7, []string{"echo hi"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, execID, 0)

	waitFor(t, time.Second, func() bool { return len(f.fake.Results()) > 0 })

	results := f.fake.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].BuildID)
	assert.Equal(t, 7, results[0].SubjobID)
	assert.Equal(t, "results", string(results[0].FileBody))

	waitFor(t, time.Second, func() bool { return f.pool.Full() })
}

// Teardown kills every executor exactly once even if requested twice,
// and eventually reports IDLE.
func TestWorker_TeardownIsIdempotentAndReportsIdle(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))
	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0))
	waitFor(t, time.Second, func() bool { return len(f.fake.StateChanges()) > 0 })

	require.NoError(t, f.worker.TeardownBuild(nil))

	waitFor(t, time.Second, func() bool {
		changes := f.fake.StateChanges()
		return len(changes) > 0 && changes[len(changes)-1].State == "IDLE"
	})

	for _, fe := range f.fakes {
		assert.Equal(t, 1, fe.KillCalls())
	}

	assert.Nil(t, f.worker.CurrentBuildID())

	err := f.worker.TeardownBuild(nil)
	assert.Error(t, err, "no build is active, so a second teardown request is rejected outright")
}

// A stale subjob for a build that no longer matches is rejected.
func TestWorker_StartSubjobRejectsWrongBuild(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))
	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0))
	waitFor(t, time.Second, func() bool { return len(f.fake.StateChanges()) > 0 })

	_, err := f.worker.StartSubjob(context.Background(), 99, 1, []string{"echo hi"})
	assert.Error(t, err)
}

// Kill disconnects from the manager and tears the build down, in
// reverse registration order (per the coordinator wiring set up in
// ConnectToManager).
func TestWorker_KillDisconnectsThenTearsDown(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.SetExitFuncForTest(func(int) {})

	require.NoError(t, f.worker.ConnectToManager(context.Background(), f.fake.URL()))
	require.NoError(t, f.worker.SetupBuild(1, map[string]interface{}{"type": "noop"}, 0))
	waitFor(t, time.Second, func() bool { return len(f.fake.StateChanges()) > 0 })

	f.worker.Kill()

	assert.False(t, f.worker.IsAlive())
	for _, fe := range f.fakes {
		assert.Equal(t, 1, fe.KillCalls())
	}
}
