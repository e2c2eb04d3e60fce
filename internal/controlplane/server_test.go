package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/jamiebuilds/ClusterRunner/internal/worker"
)

type noopExecutor struct{}

func (noopExecutor) ConfigureProjectType(ctx context.Context, buildID int, params map[string]interface{}) error {
	return nil
}
func (noopExecutor) ExecuteSubjob(ctx context.Context, buildID, subjobID int, commands []string, baseIdx int) (string, error) {
	return "", nil
}
func (noopExecutor) Kill() error                                   { return nil }
func (noopExecutor) APIRepresentation() executor.APIRepresentation { return executor.APIRepresentation{} }

// newTestServer wires a real worker.Worker (fake executors, noop project
// type, managerfake manager) behind a real control-plane router, exercised
// over httptest rather than a mock Worker.
func newTestServer(t *testing.T) (*httptest.Server, *managerfake.Server) {
	t.Helper()

	fake := managerfake.New()
	t.Cleanup(fake.Close)

	execs := []*executor.Executor{
		executor.NewWithExecutor(0, noopExecutor{}),
		executor.NewWithExecutor(1, noopExecutor{}),
	}
	pool := executorpool.New(execs)
	client := managerclient.New(fake.URL(), digest.NewSecret(""), 2)
	coord := shutdown.New(zap.NewNop())
	coord.SetExitFuncForTest(func(int) {})

	w := worker.New(worker.Config{
		Host: "127.0.0.1", Port: 9001, NumExecutors: 2,
		TeardownPollInterval: 5 * time.Millisecond, TeardownTimeout: time.Second,
	}, pool, client, projecttype.DefaultFactory, analytics.NewLoggingSink(zap.NewNop()), zap.NewNop(), coord)

	require.NoError(t, w.ConnectToManager(context.Background(), fake.URL()))

	srv := New("127.0.0.1:0", w, zap.NewNop())
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return ts, fake
}

func TestControlPlane_Status(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlPlane_GetWorker(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/worker")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rep worker.APIRepresentation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.True(t, rep.IsAlive)
	assert.Len(t, rep.Executors, 2)
}

func TestControlPlane_SetupThenTeardown(t *testing.T) {
	ts, fake := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"build_id":            1,
		"project_type_params": map[string]interface{}{"type": "noop"},
		"base_executor_index": 0,
	})
	resp, err := http.Post(ts.URL+"/v1/setup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		changes := fake.StateChanges()
		if len(changes) > 0 && changes[len(changes)-1].State == "SETUP_COMPLETE" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err = http.Post(ts.URL+"/v1/teardown", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlPlane_SetupRejectsConcurrentBuild(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"build_id": 1, "project_type_params": map[string]interface{}{"type": "noop"},
	})
	resp, err := http.Post(ts.URL+"/v1/setup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Post(ts.URL+"/v1/setup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestControlPlane_StartSubjobRejectsWrongBuild(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"atomic_commands": []string{"echo hi"}})
	resp, err := http.Post(ts.URL+"/v1/build/99/subjob/1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
