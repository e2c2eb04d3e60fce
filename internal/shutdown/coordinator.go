// Package shutdown implements the process-wide Shutdown Coordinator:
// an ordered registry of teardown callbacks invoked in reverse
// registration order on any fatal exit path.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type entry struct {
	name string
	fn   func() error
}

// Coordinator is a process-wide singleton holding an ordered list of
// teardown entries. Acceptable as a singleton here because the process
// hosts exactly one Worker; composition roots that prefer explicit
// injection can construct their own via New.
type Coordinator struct {
	mu       sync.Mutex
	entries  []entry
	ran      bool
	logger   *zap.Logger
	exitFunc func(int)
}

var defaultCoordinator = New(zap.NewNop())

// Default returns the process-wide Coordinator singleton.
func Default() *Coordinator {
	return defaultCoordinator
}

// SetLogger swaps the logger used by the default Coordinator, typically
// called once at process start once the real logger is constructed.
func SetLogger(logger *zap.Logger) {
	defaultCoordinator.mu.Lock()
	defer defaultCoordinator.mu.Unlock()
	defaultCoordinator.logger = logger
}

// New constructs a standalone Coordinator (for tests, or composition
// roots that want explicit dependency injection instead of the
// process-wide singleton).
func New(logger *zap.Logger) *Coordinator {
	return &Coordinator{logger: logger, exitFunc: os.Exit}
}

// SetExitFuncForTest overrides the function invoked by Kill, so callers
// outside this package can exercise Kill without actually exiting the
// test binary.
func (c *Coordinator) SetExitFuncForTest(fn func(int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitFunc = fn
}

// AddTeardownCallback appends a named teardown entry.
func (c *Coordinator) AddTeardownCallback(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{name: name, fn: fn})
}

// InstallSignalHandlers runs Teardown on SIGINT/SIGTERM and exits 0
// afterward.
func (c *Coordinator) InstallSignalHandlers() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		c.Teardown()
		c.exitFunc(0)
	}()
}

// Teardown invokes every registered callback in reverse registration
// order, best-effort: a panic or error in one callback does not prevent
// later callbacks from running. Safe to call more than once — later
// calls are no-ops.
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return
	}
	c.ran = true
	entries := append([]entry(nil), c.entries...)
	c.mu.Unlock()

	var combined error
	for i := len(entries) - 1; i >= 0; i-- {
		combined = multierr.Append(combined, c.runOne(entries[i]))
	}
	if combined != nil {
		c.logger.Warn("shutdown callbacks reported errors", zap.Error(combined))
	}
}

func (c *Coordinator) runOne(e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("shutdown callback panicked", zap.String("callback", e.name), zap.Any("panic", r))
			err = nil
		}
	}()
	if cbErr := e.fn(); cbErr != nil {
		c.logger.Warn("shutdown callback failed", zap.String("callback", e.name), zap.Error(cbErr))
		return cbErr
	}
	return nil
}

// Kill terminates the process with success status, running teardown
// callbacks first via the Coordinator.
func (c *Coordinator) Kill() {
	c.Teardown()
	c.exitFunc(0)
}
