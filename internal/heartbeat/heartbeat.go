// Package heartbeat runs the worker's periodic outbound ping to the
// manager, adapting roadrunner's general "reschedule after the previous
// run finished" scheduling style (rather than a fixed-period ticker) to
// tolerate drift.
package heartbeat

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jamiebuilds/ClusterRunner/internal/managerclient"
)

// Loop runs the heartbeat cycle on a dedicated goroutine.
type Loop struct {
	client             *managerclient.Client
	workerID           func() int
	interval           time.Duration
	failureThreshold   int
	onFailureThreshold func()
	logger             *zap.Logger

	failureCount atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Loop. workerID is resolved lazily so the loop can be
// started before ConnectToManager assigns one. onFailureThreshold is
// invoked when the consecutive-failure counter reaches failureThreshold.
func New(client *managerclient.Client, workerID func() int, interval time.Duration, failureThreshold int, onFailureThreshold func(), logger *zap.Logger) *Loop {
	return &Loop{
		client:             client,
		workerID:           workerID,
		interval:           interval,
		failureThreshold:   failureThreshold,
		onFailureThreshold: onFailureThreshold,
		logger:             logger,
		stop:               make(chan struct{}),
	}
}

// Start fires the first heartbeat immediately and reschedules itself
// `interval` after each tick finishes — a fixed interval but not a
// strict period, matching roadrunner's non-ticker scheduling style.
func (l *Loop) Start() {
	go l.run()
}

// Stop halts future ticks. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// FailureCount exposes the current consecutive-failure count.
func (l *Loop) FailureCount() int64 {
	return l.failureCount.Load()
}

func (l *Loop) run() {
	l.tick()
	for {
		select {
		case <-l.stop:
			return
		case <-time.After(l.interval):
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), l.interval)
	defer cancel()

	err := l.client.Heartbeat(ctx, l.workerID())
	if err == nil {
		l.failureCount.Store(0)
		return
	}

	var transportErr *managerclient.TransportError
	if stderrors.As(err, &transportErr) {
		n := l.failureCount.Inc()
		l.logger.Warn("heartbeat transport failure", zap.Int64("consecutive_failures", n), zap.Error(err))
		if int(n) >= l.failureThreshold {
			l.logger.Error("manager is not responding to heartbeats")
			l.onFailureThreshold()
		}
		return
	}

	// Non-network (decoded HTTP-level) failures do not count toward the
	// threshold.
	l.logger.Warn("heartbeat rejected by manager", zap.Error(err))
}
