// Package managerclient wraps outbound HTTP to the manager: base-URL
// composition, digest signing of mutating requests, a connection pool
// sized for the worker's executor count, and a uniform JSON-or-multipart
// request shape. Adapts roadrunner's json-iterator wire-encoding choice
// to the worker's own manager protocol.
package managerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spiral/errors"

	"github.com/jamiebuilds/ClusterRunner/internal/digest"
	"github.com/jamiebuilds/ClusterRunner/internal/errkind"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultManagerURL is used whenever ConnectToManager is called with an
// empty manager_url argument.
const DefaultManagerURL = "localhost:43000"

// Client is the worker's handle to the manager's HTTP API.
type Client struct {
	baseURL string
	secret  *digest.Secret
	http    *http.Client
}

// New constructs a Client whose connection pool keeps up to
// minConnections idle connections per host for reuse, so subjob result
// uploads do not contend with control-plane traffic. Open connections
// per host are not capped.
func New(managerURL string, secret *digest.Secret, minConnections int) *Client {
	if managerURL == "" {
		managerURL = DefaultManagerURL
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: minConnections,
		MaxConnsPerHost:     0,
	}
	return &Client{
		baseURL: "http://" + managerURL,
		secret:  secret,
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

func (c *Client) url(parts ...string) string {
	u := c.baseURL + "/v1"
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// TransportError marks a connection or timeout fault, the only kind of
// failure the heartbeat loop counts toward its failure threshold.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError marks a decoded non-2xx response from the manager.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("manager responded %d: %s", e.Status, e.Body)
}

func (c *Client) do(req *http.Request, sign bool) (*http.Response, error) {
	if sign {
		body := readAndRestore(req)
		if sig := c.secret.Sign(body); sig != "" {
			req.Header.Set("X-Digest", sig)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// http.Client.Do only returns *url.Error wrapping a dial, TLS,
		// or context-deadline failure here (it never returns a decoded
		// non-2xx as an error) — always transport-level.
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func readAndRestore(req *http.Request) []byte {
	if req.Body == nil {
		return nil
	}
	body, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return body
}

// RegisterRequest is the body posted to POST /v1/worker.
type RegisterRequest struct {
	Worker       string `json:"worker"`
	NumExecutors int    `json:"num_executors"`
	SessionID    string `json:"session_id"`
}

type registerResponse struct {
	WorkerID int `json:"worker_id"`
}

// Register posts this worker's identity to the manager and returns the
// assigned worker_id.
func (c *Client) Register(ctx context.Context, host string, port, numExecutors int, sessionID string) (int, error) {
	const op = errors.Op("manager_client_register")

	body, err := json.Marshal(RegisterRequest{
		Worker:       fmt.Sprintf("%s:%d", host, port),
		NumExecutors: numExecutors,
		SessionID:    sessionID,
	})
	if err != nil {
		return 0, errors.E(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("worker"), bytes.NewReader(body))
	if err != nil {
		return 0, errors.E(op, err)
	}

	resp, err := c.do(req, false)
	if err != nil {
		return 0, errors.E(op, errkind.Transport, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return 0, errors.E(op, &HTTPStatusError{Status: resp.StatusCode, Body: string(respBody)})
	}

	var out registerResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, errors.E(op, err)
	}
	return out.WorkerID, nil
}

type stateNotification struct {
	Worker struct {
		State string `json:"state"`
	} `json:"worker"`
}

// NotifyState PUTs a digest-signed state change and propagates any
// failure to the caller (fatal-on-failure).
func (c *Client) NotifyState(ctx context.Context, workerID int, state string) error {
	const op = errors.Op("manager_client_notify_state")

	var body stateNotification
	body.Worker.State = state
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.E(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("worker", strconv.Itoa(workerID)), bytes.NewReader(encoded))
	if err != nil {
		return errors.E(op, err)
	}

	resp, err := c.do(req, true)
	if err != nil {
		return errors.E(op, errkind.Transport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.E(op, &HTTPStatusError{Status: resp.StatusCode, Body: string(respBody)})
	}
	return nil
}

type heartbeatBody struct {
	Worker struct {
		Heartbeat bool `json:"heartbeat"`
	} `json:"worker"`
}

// Heartbeat POSTs a digest-signed heartbeat. Returns a *TransportError
// for connection/timeout faults only; a decoded non-2xx response is
// returned as *HTTPStatusError and is NOT a transport fault — only
// connection-level faults should ever trip the consecutive-failure
// counter.
func (c *Client) Heartbeat(ctx context.Context, workerID int) error {
	const op = errors.Op("manager_client_heartbeat")

	var body heartbeatBody
	body.Worker.Heartbeat = true
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.E(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("worker", strconv.Itoa(workerID), "heartbeat"), bytes.NewReader(encoded))
	if err != nil {
		return errors.E(op, err)
	}

	resp, err := c.do(req, true)
	if err != nil {
		return errors.E(op, errkind.Transport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.E(op, &HTTPStatusError{Status: resp.StatusCode, Body: string(respBody)})
	}
	return nil
}

// UploadResult posts a subjob's results artifact as multipart form data:
// an auxiliary "data" field plus the "file" field (filename "payload",
// mime application/x-compressed).
func (c *Client) UploadResult(ctx context.Context, buildID, subjobID int, resultsFilePath string, data interface{}) error {
	const op = errors.Op("manager_client_upload_result")

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return errors.E(op, err)
	}

	file, err := openResultsFile(resultsFilePath)
	if err != nil {
		return errors.E(op, err)
	}
	defer file.Close()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if err := mw.WriteField("data", string(dataJSON)); err != nil {
		return errors.E(op, err)
	}

	part, err := mw.CreatePart(fileHeader())
	if err != nil {
		return errors.E(op, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return errors.E(op, err)
	}
	if err := mw.Close(); err != nil {
		return errors.E(op, err)
	}

	path := c.url("build", strconv.Itoa(buildID), "subjob", strconv.Itoa(subjobID), "result")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, buf)
	if err != nil {
		return errors.E(op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.E(op, errkind.Transport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.E(op, &HTTPStatusError{Status: resp.StatusCode, Body: string(respBody)})
	}
	return nil
}

func openResultsFile(path string) (*os.File, error) {
	return os.Open(path)
}

// fileHeader builds the multipart part header for the results artifact:
// field "file", filename "payload", mime application/x-compressed.
func fileHeader() textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="payload"`)
	h.Set("Content-Type", "application/x-compressed")
	return h
}

// Ping issues an unsigned responsiveness probe against GET /v1/ and
// reports whether the manager appears reachable. A transport error is
// treated as "unresponsive" — advisory only.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}
