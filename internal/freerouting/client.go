// Package freerouting is a client for the job protocol spoken by the
// freerouting service:
//
//	POST /v1/sessions/create      → {id}
//	POST /v1/jobs/enqueue         {session_id, name, priority} → {id}
//	POST /v1/jobs/{id}/input      {filename, data}
//	PUT  /v1/jobs/{id}/start
//	GET  /v1/jobs/{id}            → {state}
//	GET  /v1/jobs/{id}/output     → {data}
//	GET  /v1/system/status
//
// Binary payloads travel base64-encoded inside JSON fields. The client never
// retries; transport failures and non-2xx statuses surface as
// apperrors.ErrNetwork, unparseable bodies as apperrors.ErrProtocol.
package freerouting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/freeroute/internal/apperrors"
	"github.com/terrpan/freeroute/internal/buildinfo"
)

const (
	headerProfileID = "Freerouting-Profile-ID"
	headerEnvHost   = "Freerouting-Environment-Host"

	// DefaultPriority is the queue priority used when none is configured.
	DefaultPriority = "NORMAL"

	maxErrorBody = 512
)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. http://localhost:37864.
	BaseURL string

	// ProfileID is sent as Freerouting-Profile-ID when non-empty.
	ProfileID string

	// EnvironmentHost is sent as Freerouting-Environment-Host.
	// Default: buildinfo.UserAgent().
	EnvironmentHost string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the transport entirely (tests).
	HTTPClient *http.Client
}

// Client issues protocol requests against one service instance.
type Client struct {
	base      *url.URL
	http      *http.Client
	profileID string
	envHost   string
}

// New creates a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must include scheme and host", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	envHost := cfg.EnvironmentHost
	if envHost == "" {
		envHost = buildinfo.UserAgent()
	}

	return &Client{
		base:      base,
		http:      httpClient,
		profileID: cfg.ProfileID,
		envHost:   envHost,
	}, nil
}

// SystemStatus issues GET /v1/system/status. Any 2xx answer means the
// service is accepting requests.
func (c *Client) SystemStatus(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/system/status", nil, nil)
}

// CreateSession opens a new session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	const op = "POST /v1/sessions/create"
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/create", nil, &resp); err != nil {
		return Session{}, err
	}
	if resp.ID == "" {
		return Session{}, apperrors.Protocol(op, "response has no session id", nil)
	}
	return Session{ID: resp.ID}, nil
}

// EnqueueJob creates a job named name inside session sessionID.
func (c *Client) EnqueueJob(ctx context.Context, sessionID, name, priority string) (Job, error) {
	const op = "POST /v1/jobs/enqueue"
	if priority == "" {
		priority = DefaultPriority
	}
	req := enqueueRequest{SessionID: sessionID, Name: name, Priority: priority}

	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/enqueue", req, &resp); err != nil {
		return Job{}, err
	}
	if resp.ID == "" {
		return Job{}, apperrors.Protocol(op, "response has no job id", nil)
	}
	return Job{ID: resp.ID, State: StateQueued}, nil
}

// UploadInput attaches the board description to the job.
func (c *Client) UploadInput(ctx context.Context, jobID, filename string, data []byte) error {
	req := inputRequest{Filename: filename, Data: EncodePayload(data)}
	return c.do(ctx, http.MethodPost, jobPath(jobID, "input"), req, nil)
}

// StartJob moves the job into the service's run queue.
func (c *Client) StartJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPut, jobPath(jobID, "start"), nil, nil)
}

// JobStatus returns the job's current state.
func (c *Client) JobStatus(ctx context.Context, jobID string) (Job, error) {
	path := jobPath(jobID, "")
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Job{}, err
	}
	if resp.State == "" {
		return Job{}, apperrors.Protocol("GET "+path, "response has no job state", nil)
	}
	return Job{ID: jobID, State: State(resp.State)}, nil
}

// FetchOutput downloads and decodes the routed result.
func (c *Client) FetchOutput(ctx context.Context, jobID string) ([]byte, error) {
	path := jobPath(jobID, "output")
	op := "GET " + path

	var resp outputResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, apperrors.Protocol(op, "response has no output data", nil)
	}
	data, err := DecodePayload(*resp.Data)
	if err != nil {
		return nil, apperrors.Protocol(op, "output data is not valid base64", err)
	}
	return data, nil
}

func jobPath(jobID, suffix string) string {
	p := "/v1/jobs/" + url.PathEscape(jobID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// do sends one request. body, when non-nil, is JSON-encoded; out, when
// non-nil, receives the decoded JSON response.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperrors.Protocol(op, "encoding request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return apperrors.Network(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	req.Header.Set(headerEnvHost, c.envHost)
	if c.profileID != "" {
		req.Header.Set(headerProfileID, c.profileID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Canceled(op, ctx.Err())
		}
		return apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.Network(op, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return apperrors.Canceled(op, ctx.Err())
		}
		return apperrors.Protocol(op, "decoding response", err)
	}
	return nil
}

// StatusError is the cause attached to a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}
