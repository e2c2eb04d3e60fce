// Package worker implements the Lifecycle Controller: the Worker
// singleton that owns the WorkerState and coordinates all build-scoped
// work. This is the core of the worker agent.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spiral/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jamiebuilds/ClusterRunner/internal/analytics"
	"github.com/jamiebuilds/ClusterRunner/internal/errkind"
	"github.com/jamiebuilds/ClusterRunner/internal/executor"
	"github.com/jamiebuilds/ClusterRunner/internal/executorpool"
	"github.com/jamiebuilds/ClusterRunner/internal/managerclient"
	"github.com/jamiebuilds/ClusterRunner/internal/projecttype"
	"github.com/jamiebuilds/ClusterRunner/internal/sessionid"
	"github.com/jamiebuilds/ClusterRunner/internal/shutdown"
)

// Config is the fixed, never-reassigned construction-time configuration
// for a Worker: host, port, executor count, and teardown timing never
// change after construction.
type Config struct {
	Host                 string
	Port                 int
	NumExecutors         int
	TeardownPollInterval time.Duration
	TeardownTimeout      time.Duration
	// WorkspaceRoot is passed to ProjectType/Executor construction as
	// the default "workspace" param whenever the manager's setup
	// request doesn't specify one.
	WorkspaceRoot string
}

// Worker is the singleton lifecycle controller for this process.
type Worker struct {
	cfg Config

	// current-build group: mutated only by setup and teardown paths,
	// which never run concurrently because only one build may be active
	// at a time — still guarded to catch protocol bugs.
	mu                sync.Mutex
	currentBuildID    *int
	baseExecutorIndex *int
	buildCtx          *buildContext

	isAlive    bool
	managerURL string
	workerID   int
	workerIDMu sync.RWMutex

	pool                *executorpool.Pool
	client              *managerclient.Client
	projectTypeFactory  projecttype.Factory
	analyticsSink       analytics.Sink
	logger              *zap.Logger
	shutdownCoordinator *shutdown.Coordinator
}

// New constructs a Worker around an already-sized executor pool.
func New(cfg Config, pool *executorpool.Pool, client *managerclient.Client, ptFactory projecttype.Factory, sink analytics.Sink, logger *zap.Logger, coordinator *shutdown.Coordinator) *Worker {
	if cfg.TeardownPollInterval == 0 {
		cfg.TeardownPollInterval = time.Second
	}
	if cfg.TeardownTimeout == 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	return &Worker{
		cfg:                 cfg,
		pool:                pool,
		client:              client,
		projectTypeFactory:  ptFactory,
		analyticsSink:       sink,
		logger:              logger,
		shutdownCoordinator: coordinator,
	}
}

// WorkerID returns the manager-assigned worker id, or 0 before
// registration.
func (w *Worker) WorkerID() int {
	w.workerIDMu.RLock()
	defer w.workerIDMu.RUnlock()
	return w.workerID
}

func (w *Worker) setWorkerID(id int) {
	w.workerIDMu.Lock()
	defer w.workerIDMu.Unlock()
	w.workerID = id
}

// IsAlive reports whether the worker considers itself connected.
func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isAlive
}

// CurrentBuildID returns the active build id, or nil if none is active.
func (w *Worker) CurrentBuildID() *int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentBuildID
}

// GetStatus implements GET /status.
func (w *Worker) GetStatus() string {
	return fmt.Sprintf("Worker service is up. <Port: %d>", w.cfg.Port)
}

// APIRepresentation implements GET /v1/worker.
type APIRepresentation struct {
	IsAlive        bool                         `json:"is_alive"`
	ManagerURL     string                       `json:"manager_url"`
	CurrentBuildID *int                         `json:"current_build_id"`
	WorkerID       int                          `json:"worker_id"`
	Executors      []executor.APIRepresentation `json:"executors"`
	SessionID      string                       `json:"session_id"`
}

func (w *Worker) APIRepresentation() APIRepresentation {
	w.mu.Lock()
	buildID := w.currentBuildID
	alive := w.isAlive
	managerURL := w.managerURL
	w.mu.Unlock()

	execs := make([]executor.APIRepresentation, 0, w.pool.Size())
	w.pool.ForEach(func(e *executor.Executor) {
		execs = append(execs, e.APIRepresentation())
	})

	return APIRepresentation{
		IsAlive:        alive,
		ManagerURL:     managerURL,
		CurrentBuildID: buildID,
		WorkerID:       w.WorkerID(),
		Executors:      execs,
		SessionID:      sessionid.Get(),
	}
}

// ConnectToManager registers with the manager, idempotent per process.
// manager_url defaults to localhost:43000 when empty.
func (w *Worker) ConnectToManager(ctx context.Context, managerURL string) error {
	const op = errors.Op("worker_connect_to_manager")

	if managerURL == "" {
		managerURL = managerclient.DefaultManagerURL
	}

	if w.WorkerID() != 0 {
		return nil
	}

	w.mu.Lock()
	w.isAlive = true
	w.managerURL = managerURL
	w.mu.Unlock()

	workerID, err := w.client.Register(ctx, w.cfg.Host, w.cfg.Port, w.cfg.NumExecutors, sessionid.Get())
	if err != nil {
		return errors.E(op, err)
	}
	w.setWorkerID(workerID)

	// Registration order matters: teardown-and-reset is registered
	// FIRST, disconnect SECOND. The coordinator runs callbacks in
	// REVERSE order, so disconnect fires before local teardown — the
	// manager stops dispatching new subjobs before we destroy build
	// state.
	w.shutdownCoordinator.AddTeardownCallback("build-teardown-and-reset", func() error {
		w.DoBuildTeardownAndReset(w.cfg.TeardownTimeout)
		return nil
	})
	w.shutdownCoordinator.AddTeardownCallback("disconnect-from-manager", func() error {
		w.DisconnectFromManager(context.Background())
		return nil
	})

	return nil
}

// SetupBuild is non-blocking: it validates preconditions synchronously
// and schedules the rest as an async task.
func (w *Worker) SetupBuild(buildID int, projectTypeParams map[string]interface{}, baseExecutorIndex int) error {
	const op = errors.Op("worker_setup_build")

	w.mu.Lock()
	if w.currentBuildID != nil {
		w.mu.Unlock()
		return errors.E(op, errkind.InvalidState, errors.Str("a build is already active"))
	}
	if !w.pool.Full() {
		w.mu.Unlock()
		return errors.E(op, errkind.InvalidState, errors.Str("executor pool is not full"))
	}

	if w.cfg.WorkspaceRoot != "" {
		if projectTypeParams == nil {
			projectTypeParams = map[string]interface{}{}
		}
		if _, ok := projectTypeParams["workspace"]; !ok {
			projectTypeParams["workspace"] = w.cfg.WorkspaceRoot
		}
	}

	pt, err := w.projectTypeFactory(projectTypeParams)
	if err != nil {
		w.mu.Unlock()
		return errors.E(op, errkind.InvalidState, err)
	}

	ctx := newBuildContext(buildID, pt, baseExecutorIndex)
	w.currentBuildID = &buildID
	w.baseExecutorIndex = &baseExecutorIndex
	w.buildCtx = ctx

	var snapshot []*executor.Executor
	w.pool.ForEach(func(e *executor.Executor) { snapshot = append(snapshot, e) })
	w.mu.Unlock()

	go w.runAsyncSetup(ctx, snapshot, projectTypeParams)
	return nil
}

func (w *Worker) runAsyncSetup(bc *buildContext, executors []*executor.Executor, projectTypeParams map[string]interface{}) {
	defer w.recoverToShutdown("async_setup")

	if err := bc.projectType.FetchProject(context.Background()); err != nil {
		w.reportSetupFailure(err)
		return
	}

	group, gctx := errgroup.WithContext(context.Background())
	for _, e := range executors {
		e := e
		group.Go(func() error {
			return e.ConfigureProjectType(gctx, bc.buildID, projectTypeParams)
		})
	}
	if err := group.Wait(); err != nil {
		w.reportSetupFailure(err)
		return
	}

	if err := bc.projectType.RunJobConfigSetup(context.Background()); err != nil {
		w.reportSetupFailure(err)
		return
	}

	if err := w.client.NotifyState(context.Background(), w.WorkerID(), StateSetupComplete.String()); err != nil {
		w.logger.Error("failed to notify SETUP_COMPLETE", zap.Error(err))
	}
}

func (w *Worker) reportSetupFailure(cause error) {
	w.logger.Error("build setup failed", zap.Error(cause))
	if err := w.client.NotifyState(context.Background(), w.WorkerID(), StateSetupFailed.String()); err != nil {
		w.logger.Error("failed to notify SETUP_FAILED", zap.Error(err))
	}
}

// StartSubjob acquires an executor (blocking admission control) before
// replying.
func (w *Worker) StartSubjob(ctx context.Context, buildID, subjobID int, atomicCommands []string) (int, error) {
	const op = errors.Op("worker_start_subjob")

	w.mu.Lock()
	if w.currentBuildID == nil || *w.currentBuildID != buildID {
		w.mu.Unlock()
		return 0, errors.E(op, errkind.BadRequest, errors.Str("subjob for wrong or absent build"))
	}
	bc := w.buildCtx
	w.mu.Unlock()

	e, err := w.pool.Acquire(ctx)
	if err != nil {
		return 0, errors.E(op, err)
	}

	go w.runAsyncSubjob(e, bc, buildID, subjobID, atomicCommands)
	return e.ID, nil
}

func (w *Worker) runAsyncSubjob(e *executor.Executor, bc *buildContext, buildID, subjobID int, atomicCommands []string) {
	defer w.recoverToShutdown("async_subjob")

	w.analyticsSink.Emit(analytics.EventSubjobExecutionStart, map[string]interface{}{
		"build_id": buildID, "subjob_id": subjobID, "executor_id": e.ID,
	})

	resultsPath, execErr := e.ExecuteSubjob(context.Background(), buildID, subjobID, atomicCommands, bc.baseExecutorIndex)

	w.analyticsSink.Emit(analytics.EventSubjobExecutionFinish, map[string]interface{}{
		"build_id": buildID, "subjob_id": subjobID, "executor_id": e.ID, "error": execErr != nil,
	})

	// Release before uploading: a slow/failed upload must not stall the
	// pool.
	w.pool.Release(e)

	if execErr != nil {
		w.logger.Error("subjob execution failed", zap.Int("build_id", buildID), zap.Int("subjob_id", subjobID), zap.Error(execErr))
		return
	}

	uploadData := map[string]interface{}{"build_id": buildID, "subjob_id": subjobID, "executor_id": e.ID}
	if err := w.client.UploadResult(context.Background(), buildID, subjobID, resultsPath, uploadData); err != nil {
		// Upload failures are logged and do not retry; the manager is
		// responsible for marking the subjob failed.
		w.logger.Error("result upload failed", zap.Int("build_id", buildID), zap.Int("subjob_id", subjobID), zap.Error(err))
	}
}

// TeardownBuild is non-blocking; it validates synchronously and
// schedules DoBuildTeardownAndReset plus the IDLE notification as an
// async task.
func (w *Worker) TeardownBuild(buildID *int) error {
	const op = errors.Op("worker_teardown_build")

	w.mu.Lock()
	if w.currentBuildID == nil {
		w.mu.Unlock()
		return errors.E(op, errkind.BadRequest, errors.Str("no active build"))
	}
	if buildID != nil && *buildID != *w.currentBuildID {
		w.mu.Unlock()
		return errors.E(op, errkind.BadRequest, errors.Str("teardown for wrong build"))
	}
	w.mu.Unlock()

	go w.runAsyncTeardown()
	return nil
}

func (w *Worker) runAsyncTeardown() {
	defer w.recoverToShutdown("async_teardown")

	w.DoBuildTeardownAndReset(w.cfg.TeardownTimeout)

	for !w.pool.Full() {
		time.Sleep(w.cfg.TeardownPollInterval)
	}

	if err := w.client.NotifyState(context.Background(), w.WorkerID(), StateIdle.String()); err != nil {
		w.logger.Error("failed to notify IDLE", zap.Error(err))
	}
}

// DoBuildTeardownAndReset is idempotent via the build context's
// teardown-coin: calling it any number of times per build has the same
// observable effect as calling it once.
func (w *Worker) DoBuildTeardownAndReset(timeout time.Duration) {
	w.mu.Lock()
	bc := w.buildCtx
	w.mu.Unlock()

	// Kill always runs, unconditionally — we may be tearing down
	// mid-subjob.
	var killErr error
	w.pool.ForEach(func(e *executor.Executor) {
		killErr = multierr.Append(killErr, e.Kill())
	})
	if killErr != nil {
		w.logger.Warn("errors killing executors during teardown", zap.Error(killErr))
	}

	if bc == nil || !bc.teardownCoin.Spend() {
		return
	}

	if err := bc.projectType.TeardownBuild(context.Background(), timeout); err != nil {
		w.logger.Error("project type teardown failed", zap.Error(err))
	}

	w.mu.Lock()
	w.currentBuildID = nil
	w.baseExecutorIndex = nil
	w.buildCtx = nil
	w.mu.Unlock()
}

// DisconnectFromManager sets is_alive false and, if the manager appears
// responsive, sends DISCONNECTED. Silently returns otherwise.
func (w *Worker) DisconnectFromManager(ctx context.Context) {
	w.mu.Lock()
	w.isAlive = false
	w.mu.Unlock()

	if !w.client.Ping(ctx) {
		w.logger.Info("manager unresponsive, skipping disconnect notification")
		return
	}
	if err := w.client.NotifyState(ctx, w.WorkerID(), StateDisconnected.String()); err != nil {
		w.logger.Warn("failed to notify DISCONNECTED", zap.Error(err))
	}
}

// Kill terminates the process with success status via the Shutdown
// Coordinator.
func (w *Worker) Kill() {
	w.shutdownCoordinator.Kill()
}

func (w *Worker) recoverToShutdown(task string) {
	if r := recover(); r != nil {
		w.logger.Error("panic in async task, routing to shutdown coordinator", zap.String("task", task), zap.Any("panic", r))
		w.shutdownCoordinator.Teardown()
	}
}
