package ipcpipe

import "go.uber.org/atomic"

// Value identifies the lifecycle stage of a subjob-runner subprocess,
// mirroring roadrunner's worker.State machine (pending -> ready ->
// working -> ready/errored -> stopped).
type Value int64

const (
	StatePending Value = iota
	StateReady
	StateWorking
	StateErrored
	StateStopped
)

func (v Value) String() string {
	switch v {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateWorking:
		return "working"
	case StateErrored:
		return "errored"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State tracks a subprocess's lifecycle value plus bookkeeping counters,
// safe for concurrent use.
type State struct {
	value    atomic.Int64
	numExecs atomic.Uint64
	lastUsed atomic.Uint64
}

// NewState returns a State initialized to StatePending.
func NewState() *State {
	s := &State{}
	s.value.Store(int64(StatePending))
	return s
}

func (s *State) Value() Value {
	return Value(s.value.Load())
}

func (s *State) String() string {
	return s.Value().String()
}

func (s *State) Set(v Value) {
	s.value.Store(int64(v))
}

func (s *State) NumExecs() uint64 {
	return s.numExecs.Load()
}

func (s *State) RegisterExec() {
	s.numExecs.Inc()
}

func (s *State) SetLastUsed(unixNano uint64) {
	s.lastUsed.Store(unixNano)
}

func (s *State) LastUsed() uint64 {
	return s.lastUsed.Load()
}
