// Package ipcpipe spawns and talks to subjob-runner subprocesses over
// stdio pipes framed with goridge, adapting roadrunner's ipc.Factory /
// worker.Process / pipe-relay machinery from "run a PHP worker" to "run
// one executor's subjob-runner."
package ipcpipe

import (
	"context"
	"os/exec"
	"time"

	"github.com/spiral/errors"
	"github.com/spiral/goridge/v3/pkg/frame"
	"github.com/spiral/goridge/v3/pkg/pipe"
	"github.com/spiral/goridge/v3/pkg/relay"
)

// Process wraps a running subjob-runner subprocess and the framed relay
// used to exchange payload.Payload messages with it. Frame and buffer
// pooling for the request/response cycle lives in the executor package,
// which owns the actual RPC calls made over this relay.
type Process struct {
	cmd     *exec.Cmd
	relay   relay.Relay
	state   *State
	created time.Time
}

func newProcess(cmd *exec.Cmd, rl relay.Relay) *Process {
	return &Process{
		cmd:     cmd,
		relay:   rl,
		state:   NewState(),
		created: time.Now(),
	}
}

func (p *Process) Pid() int64 {
	if p.cmd.Process == nil {
		return 0
	}
	return int64(p.cmd.Process.Pid)
}

func (p *Process) Created() time.Time {
	return p.created
}

func (p *Process) State() *State {
	return p.state
}

func (p *Process) Relay() relay.Relay {
	return p.relay
}

// Wait blocks until the subprocess exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Stop closes the subprocess's relay, then kills it. It does not wait
// for the subprocess to exit.
func (p *Process) Stop() error {
	_ = p.relay.Close()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Kill terminates the subprocess unconditionally (mid-subjob or not).
func (p *Process) Kill() error {
	p.state.Set(StateStopped)
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Factory spawns subjob-runner subprocesses, adapting roadrunner's
// ipc.Factory to this agent's domain.
type Factory interface {
	// SpawnWorkerWithTimeout starts cmd and waits up to the given
	// deadline for the subprocess's ready handshake.
	SpawnWorkerWithTimeout(ctx context.Context, cmd *exec.Cmd) (*Process, error)
	// SpawnWorker starts cmd and waits indefinitely for the handshake.
	SpawnWorker(cmd *exec.Cmd) (*Process, error)
	Close() error
}

type pipeFactory struct{}

// NewFactory returns the default stdio-pipe Factory.
func NewFactory() Factory {
	return &pipeFactory{}
}

func (f *pipeFactory) SpawnWorker(cmd *exec.Cmd) (*Process, error) {
	return f.SpawnWorkerWithTimeout(context.Background(), cmd)
}

func (f *pipeFactory) SpawnWorkerWithTimeout(ctx context.Context, cmd *exec.Cmd) (*Process, error) {
	const op = errors.Op("ipcpipe_spawn_worker")

	in, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.E(op, err)
	}
	out, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.E(op, err)
	}

	relayImpl := pipe.NewPipeFactory(in, out)

	if err := cmd.Start(); err != nil {
		return nil, errors.E(op, err)
	}

	proc := newProcess(cmd, relayImpl)

	done := make(chan error, 1)
	go func() {
		done <- handshake(relayImpl)
	}()

	select {
	case <-ctx.Done():
		_ = proc.Kill()
		return nil, errors.E(op, ctx.Err())
	case err := <-done:
		if err != nil {
			_ = proc.Kill()
			return nil, errors.E(op, err)
		}
	}

	proc.state.Set(StateReady)
	return proc, nil
}

func (f *pipeFactory) Close() error {
	return nil
}

// handshake waits for the subprocess's single readiness frame so the
// factory can distinguish a live subjob-runner from one that failed to
// boot (a "failboot"), matching the behavior exercised by roadrunner's
// socket-factory tests.
func handshake(rl relay.Relay) error {
	fr := frame.NewFrame()
	defer fr.Reset()
	return rl.Receive(fr)
}
