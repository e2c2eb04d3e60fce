package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/shirou/gopsutil/process"
	"github.com/spiral/errors"
	"github.com/spiral/goridge/v3/pkg/frame"

	"github.com/jamiebuilds/ClusterRunner/internal/errkind"
	"github.com/jamiebuilds/ClusterRunner/internal/ipcpipe"
	"github.com/jamiebuilds/ClusterRunner/internal/payload"
)

// Spawner lazily starts (or restarts, after a kill) the subjob-runner
// subprocess backing one processExecutor.
type Spawner func() (*ipcpipe.Process, error)

// Request kinds distinguish the two RPCs a subjob-runner understands;
// the "kind" field lets the child dispatch without a second frame flag.
const (
	KindConfigure = "configure"
	KindSubjob    = "subjob"
)

// ConfigureRequest is sent once per build, before any subjob, so the
// subjob-runner can prepare its working directory for atomic commands.
type ConfigureRequest struct {
	Kind              string                 `json:"kind"`
	BuildID           int                    `json:"build_id"`
	ProjectTypeParams map[string]interface{} `json:"project_type_params"`
}

// SubjobRequest carries one subjob's atomic command batch.
type SubjobRequest struct {
	Kind              string   `json:"kind"`
	BuildID           int      `json:"build_id"`
	SubjobID          int      `json:"subjob_id"`
	AtomicCommands    []string `json:"atomic_commands"`
	BaseExecutorIndex int      `json:"base_executor_index"`
}

// SubjobResult is the subjob-runner's response: the path to the
// generated results artifact.
type SubjobResult struct {
	ResultsFilePath string `json:"results_file_path"`
}

// processExecutor is the default SubjobExecutor: a subjob-runner
// subprocess talked to over a goridge-framed stdio relay, adapted from
// roadrunner's worker.SyncWorkerImpl.execPayload.
type processExecutor struct {
	id      int
	spawner Spawner

	mu   sync.Mutex
	proc *ipcpipe.Process

	fPool sync.Pool
	bPool sync.Pool
}

func newProcessExecutor(id int, spawner Spawner) *processExecutor {
	e := &processExecutor{id: id, spawner: spawner}
	e.fPool.New = func() interface{} { return frame.NewFrame() }
	e.bPool.New = func() interface{} { return new(bytes.Buffer) }
	return e
}

func (e *processExecutor) ensureProcess() (*ipcpipe.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil && e.proc.State().Value() != ipcpipe.StateStopped {
		return e.proc, nil
	}

	proc, err := e.spawner()
	if err != nil {
		return nil, err
	}
	e.proc = proc
	return proc, nil
}

// ConfigureProjectType sends the per-build configuration payload every
// executor must receive before its build's first subjob.
func (e *processExecutor) ConfigureProjectType(ctx context.Context, buildID int, projectTypeParams map[string]interface{}) error {
	const op = errors.Op("executor_configure_project_type")

	body, err := json.Marshal(ConfigureRequest{Kind: KindConfigure, BuildID: buildID, ProjectTypeParams: projectTypeParams})
	if err != nil {
		return errors.E(op, err)
	}

	resp, err := e.exec(&payload.Payload{Body: body, Codec: payload.CodecJSON})
	if err != nil {
		return errors.E(op, errkind.SetupFailure, err)
	}
	if resp.IsError() {
		return errors.E(op, errkind.SetupFailure, errors.Str(resp.String()))
	}
	return nil
}

// ExecuteSubjob runs one subjob's atomic commands and returns the
// results artifact path the subjob-runner reports back.
func (e *processExecutor) ExecuteSubjob(ctx context.Context, buildID, subjobID int, atomicCommands []string, baseExecutorIndex int) (string, error) {
	const op = errors.Op("executor_execute_subjob")

	body, err := json.Marshal(SubjobRequest{
		Kind:              KindSubjob,
		BuildID:           buildID,
		SubjobID:          subjobID,
		AtomicCommands:    atomicCommands,
		BaseExecutorIndex: baseExecutorIndex,
	})
	if err != nil {
		return "", errors.E(op, err)
	}

	resp, err := e.exec(&payload.Payload{Body: body, Codec: payload.CodecJSON})
	if err != nil {
		return "", errors.E(op, err)
	}
	if resp.IsError() {
		return "", errors.E(op, errors.Str(resp.String()))
	}

	var result SubjobResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", errors.E(op, err)
	}
	return result.ResultsFilePath, nil
}

// Kill terminates the backing subprocess unconditionally, mid-subjob or
// not, matching the worker's teardown semantics.
func (e *processExecutor) Kill() error {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// exec frames p and round-trips it over the executor's relay, adapted
// near-verbatim from roadrunner's SyncWorkerImpl.execPayload.
func (e *processExecutor) exec(p *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("executor_exec")

	proc, err := e.ensureProcess()
	if err != nil {
		return nil, errors.E(op, err)
	}

	proc.State().Set(ipcpipe.StateWorking)

	fr := e.getFrame()
	defer e.putFrame(fr)

	fr.WriteVersion(fr.Header(), frame.VERSION_1)
	fr.WriteFlags(fr.Header(), p.Codec)

	buf := e.getBuf()
	buf.Write(p.Context)
	buf.Write(p.Body)

	fr.WriteOptions(fr.HeaderPtr(), uint32(len(p.Context)))
	fr.WritePayloadLen(fr.Header(), uint32(buf.Len()))
	fr.WritePayload(buf.Bytes())
	fr.WriteCRC(fr.Header())
	e.putBuf(buf)

	if err := proc.Relay().Send(fr); err != nil {
		proc.State().Set(ipcpipe.StateErrored)
		return nil, errors.E(op, errors.Str("send: "+err.Error()))
	}

	respFrame := e.getFrame()
	defer e.putFrame(respFrame)

	if err := proc.Relay().Receive(respFrame); err != nil {
		proc.State().Set(ipcpipe.StateErrored)
		return nil, errors.E(op, errors.Str("receive: "+err.Error()))
	}

	flags := respFrame.ReadFlags()
	options := respFrame.ReadOptions(respFrame.Header())
	if len(options) != 1 {
		proc.State().Set(ipcpipe.StateErrored)
		return nil, errors.E(op, errors.Str("options length should be equal 1 (body offset)"))
	}

	resp := &payload.Payload{
		Codec:   flags,
		Context: make([]byte, options[0]),
		Body:    make([]byte, len(respFrame.Payload())-int(options[0])),
	}
	copy(resp.Context, respFrame.Payload()[:options[0]])
	copy(resp.Body, respFrame.Payload()[options[0]:])

	proc.State().RegisterExec()
	proc.State().Set(ipcpipe.StateReady)

	return resp, nil
}

func (e *processExecutor) getFrame() *frame.Frame {
	return e.fPool.Get().(*frame.Frame)
}

func (e *processExecutor) putFrame(f *frame.Frame) {
	f.Reset()
	e.fPool.Put(f)
}

func (e *processExecutor) getBuf() *bytes.Buffer {
	return e.bPool.Get().(*bytes.Buffer)
}

func (e *processExecutor) putBuf(b *bytes.Buffer) {
	b.Reset()
	e.bPool.Put(b)
}

// APIRepresentation reports this executor's backing process health for
// the worker's GET /v1/worker response, adapted from roadrunner's
// state/process reporting.
func (e *processExecutor) APIRepresentation() APIRepresentation {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()

	rep := APIRepresentation{ExecutorID: e.id}
	if proc == nil {
		rep.Status = ipcpipe.StatePending.String()
		return rep
	}

	rep.Pid = int(proc.Pid())
	rep.Status = proc.State().Value().String()
	rep.NumExecs = proc.State().NumExecs()

	ps, err := process.NewProcess(int32(proc.Pid()))
	if err != nil {
		return rep
	}
	if mem, err := ps.MemoryInfo(); err == nil && mem != nil {
		rep.MemoryUsage = mem.RSS
	}
	if cpu, err := ps.CPUPercent(); err == nil {
		rep.CPUPercent = cpu
	}
	return rep
}
