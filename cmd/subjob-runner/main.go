// Command subjob-runner is the companion subprocess one
// internal/executor.Executor supervises: it receives framed requests
// over stdio, runs a build's atomic commands in order via os/exec, and
// reports back a results artifact path. Adapted from roadrunner's
// PHP-worker RPC loop, swapped from "run PHP code" to "run shell
// commands."
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spiral/goridge/v3/pkg/frame"
	"github.com/spiral/goridge/v3/pkg/pipe"
	"github.com/spiral/goridge/v3/pkg/relay"

	"github.com/jamiebuilds/ClusterRunner/internal/executor"
	"github.com/jamiebuilds/ClusterRunner/internal/payload"
)

func main() {
	rl := pipe.NewPipeFactory(os.Stdin, os.Stdout)

	if err := sendFrame(rl, &payload.Payload{Body: []byte("ready"), Codec: payload.CodecJSON}); err != nil {
		os.Exit(1)
	}

	for {
		req, err := receivePayload(rl)
		if err != nil {
			return
		}

		resp := dispatch(req)
		if err := sendFrame(rl, resp); err != nil {
			return
		}
	}
}

func dispatch(req *payload.Payload) *payload.Payload {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(req.Body, &probe); err != nil {
		return errorPayload(err)
	}

	switch probe.Kind {
	case executor.KindConfigure:
		return handleConfigure(req.Body)
	case executor.KindSubjob:
		return handleSubjob(req.Body)
	default:
		return errorPayload(fmt.Errorf("unknown request kind %q", probe.Kind))
	}
}

// workspaceRoot is the one process-wide mutable piece of state: the
// directory atomic commands execute in and results artifacts are
// written to, set from the "workspace" project-type param by the
// Configure RPC before any subjob arrives.
var workspaceRoot string

func handleConfigure(body []byte) *payload.Payload {
	var req executor.ConfigureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorPayload(err)
	}

	root, ok := req.ProjectTypeParams["workspace"].(string)
	if !ok || root == "" {
		root = os.TempDir()
	}
	workspaceRoot = root

	resp, err := json.Marshal(struct{}{})
	if err != nil {
		return errorPayload(err)
	}
	return &payload.Payload{Body: resp, Codec: payload.CodecJSON}
}

func handleSubjob(body []byte) *payload.Payload {
	var req executor.SubjobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorPayload(err)
	}

	resultsPath, err := runAtomicCommands(req)
	if err != nil {
		return errorPayload(err)
	}

	resp, err := json.Marshal(executor.SubjobResult{ResultsFilePath: resultsPath})
	if err != nil {
		return errorPayload(err)
	}
	return &payload.Payload{Body: resp, Codec: payload.CodecJSON}
}

// runAtomicCommands runs each command in order via the shell, aborting
// on the first failure, and writes combined output to a results
// artifact under workspaceRoot.
func runAtomicCommands(req executor.SubjobRequest) (string, error) {
	dir := workspaceRoot
	if dir == "" {
		dir = os.TempDir()
	}

	var output bytes.Buffer
	for _, command := range req.AtomicCommands {
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = dir
		cmd.Stdout = &output
		cmd.Stderr = &output
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("command %q: %w", command, err)
		}
	}

	resultsPath := filepath.Join(dir, fmt.Sprintf("build-%d-subjob-%d.result", req.BuildID, req.SubjobID))
	if err := os.WriteFile(resultsPath, output.Bytes(), 0o644); err != nil {
		return "", err
	}
	return resultsPath, nil
}

func errorPayload(err error) *payload.Payload {
	return &payload.Payload{Body: []byte(err.Error()), Codec: payload.CodecError}
}

func sendFrame(rl relay.Relay, p *payload.Payload) error {
	fr := frame.NewFrame()
	fr.WriteVersion(fr.Header(), frame.VERSION_1)
	fr.WriteFlags(fr.Header(), p.Codec)

	var buf bytes.Buffer
	buf.Write(p.Context)
	buf.Write(p.Body)

	fr.WriteOptions(fr.HeaderPtr(), uint32(len(p.Context)))
	fr.WritePayloadLen(fr.Header(), uint32(buf.Len()))
	fr.WritePayload(buf.Bytes())
	fr.WriteCRC(fr.Header())

	return rl.Send(fr)
}

func receivePayload(rl relay.Relay) (*payload.Payload, error) {
	fr := frame.NewFrame()
	if err := rl.Receive(fr); err != nil {
		return nil, err
	}

	flags := fr.ReadFlags()
	options := fr.ReadOptions(fr.Header())
	if len(options) != 1 {
		return nil, fmt.Errorf("options length should be equal 1 (body offset)")
	}

	p := &payload.Payload{
		Codec:   flags,
		Context: make([]byte, options[0]),
		Body:    make([]byte, len(fr.Payload())-int(options[0])),
	}
	copy(p.Context, fr.Payload()[:options[0]])
	copy(p.Body, fr.Payload()[options[0]:])
	return p, nil
}
