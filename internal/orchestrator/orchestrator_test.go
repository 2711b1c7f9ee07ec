package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/freeroute/internal/apperrors"
	"github.com/terrpan/freeroute/internal/engine"
	"github.com/terrpan/freeroute/internal/freerouting"
	"github.com/terrpan/freeroute/internal/health"
	"github.com/terrpan/freeroute/internal/port"
)

// ---------------------------------------------------------------------------
// Mock engine
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu       sync.Mutex
	specs    []engine.Spec
	released []string
	nextID   int

	startErr   error
	releaseErr error
}

func (m *mockEngine) Start(_ context.Context, spec engine.Spec) (*engine.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}
	m.nextID++
	m.specs = append(m.specs, spec)
	return &engine.Handle{
		ID:       fmt.Sprintf("mock-id-%d", m.nextID),
		Name:     spec.Name,
		HostPort: spec.HostPort,
	}, nil
}

func (m *mockEngine) Stop(context.Context, *engine.Handle) error { return nil }
func (m *mockEngine) Remove(context.Context, *engine.Handle) error { return nil }

func (m *mockEngine) Release(_ context.Context, h *engine.Handle) error {
	if !h.MarkReleased() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, h.ID)
	return m.releaseErr
}

func (m *mockEngine) Shutdown(context.Context) error { return nil }

func (m *mockEngine) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.specs)
}

func (m *mockEngine) releasedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

// ---------------------------------------------------------------------------
// Mock routing client
// ---------------------------------------------------------------------------

type mockClient struct {
	mu    sync.Mutex
	calls []string

	notReady   bool
	sessionErr error
	enqueueErr error
	uploadErr  error
	startErr   error
	pollErr    error // returned once the first poll has been answered
	outputErr  error
	statuses   []freerouting.State // served in order, the last one repeats
	output     []byte
	onPoll     func(n int)
	onSession  func()

	enqueuedName string
	uploaded     []byte
	polls        atomic.Int32
}

func (m *mockClient) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockClient) called(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *mockClient) SystemStatus(context.Context) error {
	m.record("status")
	if m.notReady {
		return apperrors.Network("GET /v1/system/status", errors.New("connection refused"))
	}
	return nil
}

func (m *mockClient) CreateSession(context.Context) (freerouting.Session, error) {
	m.record("session")
	if m.onSession != nil {
		m.onSession()
	}
	if m.sessionErr != nil {
		return freerouting.Session{}, m.sessionErr
	}
	return freerouting.Session{ID: "sess-1"}, nil
}

func (m *mockClient) EnqueueJob(_ context.Context, _, name, _ string) (freerouting.Job, error) {
	m.record("enqueue")
	if m.enqueueErr != nil {
		return freerouting.Job{}, m.enqueueErr
	}
	m.mu.Lock()
	m.enqueuedName = name
	m.mu.Unlock()
	return freerouting.Job{ID: "job-1", State: freerouting.StateQueued}, nil
}

func (m *mockClient) UploadInput(_ context.Context, _, _ string, data []byte) error {
	m.record("upload")
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.mu.Lock()
	m.uploaded = data
	m.mu.Unlock()
	return nil
}

func (m *mockClient) StartJob(context.Context, string) error {
	m.record("start")
	return m.startErr
}

func (m *mockClient) JobStatus(_ context.Context, jobID string) (freerouting.Job, error) {
	m.record("poll")
	n := int(m.polls.Add(1))
	if m.onPoll != nil {
		m.onPoll(n)
	}
	if m.pollErr != nil && n > 1 {
		return freerouting.Job{}, m.pollErr
	}
	idx := min(n-1, len(m.statuses)-1)
	return freerouting.Job{ID: jobID, State: m.statuses[idx]}, nil
}

func (m *mockClient) FetchOutput(context.Context, string) ([]byte, error) {
	m.record("output")
	if m.outputErr != nil {
		return nil, m.outputErr
	}
	return m.output, nil
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type availableProber struct{}

func (availableProber) IsPortAvailable(int, string) bool { return true }

type OrchestratorSuite struct {
	suite.Suite
	ctx    context.Context
	dir    string
	input  string
	output string
	engine *mockEngine
	client *mockClient
	ports  *port.Registry
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.T().TempDir()
	s.input = filepath.Join(s.dir, "board.dsn")
	s.output = filepath.Join(s.dir, "board.ses")
	require.NoError(s.T(), os.WriteFile(s.input, []byte("(pcb board)"), 0o644))

	s.engine = &mockEngine{}
	s.client = &mockClient{
		statuses: []freerouting.State{freerouting.StateCompleted},
		output:   []byte("(session board)"),
	}
	s.ports = port.NewRegistry(availableProber{})
}

func (s *OrchestratorSuite) newOrchestrator(mutate ...func(*Config)) *Orchestrator {
	cfg := Config{
		Image:         "freerouting:test",
		HostPort:      37864,
		ContainerPort: 37864,
		PollInterval:  5 * time.Millisecond,
		Readiness: health.Config{
			Timeout:         100 * time.Millisecond,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
		},
		Engine: s.engine,
		Ports:  s.ports,
		NewClient: func(string) (Client, error) {
			return s.client, nil
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

func (s *OrchestratorSuite) run(o *Orchestrator) (*Result, error) {
	return o.Run(s.ctx, Request{InputPath: s.input, OutputPath: s.output})
}

func (s *OrchestratorSuite) assertReleased() {
	assert.Equal(s.T(), 1, s.engine.releasedCount(), "container must be released exactly once")
	assert.False(s.T(), s.ports.Held(37864), "port lease must be returned")
}

func (s *OrchestratorSuite) assertStagesIncrease(stages []Stage) {
	for i := 1; i < len(stages); i++ {
		assert.True(s.T(), stages[i-1].Before(stages[i]),
			"stage %s must come before %s", stages[i-1], stages[i])
	}
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) TestSuccess() {
	res, err := s.run(s.newOrchestrator())
	require.NoError(s.T(), err)

	assert.Equal(s.T(), OutcomeSuccess, res.Outcome)
	assert.Equal(s.T(), []Stage{
		StageInit, StageContainerStarting, StageReadyWait, StageSessionCreating,
		StageJobEnqueuing, StageInputUploading, StageJobStarting, StagePolling,
		StageJobCompleted, StageCleanup, StageSuccess,
	}, res.Stages)
	assert.Equal(s.T(), "mock-id-1", res.ContainerID)
	assert.Equal(s.T(), "sess-1", res.SessionID)
	assert.Equal(s.T(), "job-1", res.JobID)
	assert.Equal(s.T(), 1, res.Polls)

	got, err := os.ReadFile(s.output)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "(session board)", string(got))
	assert.Equal(s.T(), "(pcb board)", string(s.client.uploaded))
	assert.Equal(s.T(), "board.dsn", s.client.enqueuedName)
	s.assertReleased()
}

func (s *OrchestratorSuite) TestSuccess_ContainerSpec() {
	_, err := s.run(s.newOrchestrator())
	require.NoError(s.T(), err)

	require.Len(s.T(), s.engine.specs, 1)
	spec := s.engine.specs[0]
	assert.Equal(s.T(), "freerouting:test", spec.Image)
	assert.Equal(s.T(), 37864, spec.HostPort)
	assert.Equal(s.T(), 37864, spec.ContainerPort)
	assert.Equal(s.T(), engine.InputTarget, spec.WorkDir)
	assert.Equal(s.T(), []engine.Mount{
		{Source: s.dir, Target: engine.InputTarget, ReadOnly: true},
		{Source: s.dir, Target: engine.OutputTarget},
	}, spec.Mounts)
}

func (s *OrchestratorSuite) TestJobFailed_NoOutputWritten() {
	s.client.statuses = []freerouting.State{freerouting.StateRunning, freerouting.StateFailed}

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrJobFailed)
	assert.Equal(s.T(), OutcomeFailure, res.Outcome)
	assert.Equal(s.T(), StageJobFailed, res.FailedStage)
	assert.Contains(s.T(), res.Stages, StageJobFailed)
	assert.NotContains(s.T(), res.Stages, StageJobCompleted)
	assert.False(s.T(), s.client.called("output"))
	assert.NoFileExists(s.T(), s.output)
	s.assertReleased()
}

func (s *OrchestratorSuite) TestMissingInput_NoContainer() {
	s.input = filepath.Join(s.dir, "nope.dsn")

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrInputNotFound)
	assert.Equal(s.T(), StageInit, res.FailedStage)
	assert.Equal(s.T(), []Stage{StageInit, StageFailure}, res.Stages)
	assert.Zero(s.T(), s.engine.startedCount())
	assert.Zero(s.T(), s.engine.releasedCount())
}

func (s *OrchestratorSuite) TestPrecheck() {
	assert.NoError(s.T(), Precheck(Request{InputPath: s.input, OutputPath: s.output}))
	assert.ErrorIs(s.T(), Precheck(Request{InputPath: filepath.Join(s.dir, "nope.dsn")}), apperrors.ErrInputNotFound)
	assert.ErrorIs(s.T(), Precheck(Request{InputPath: s.dir}), apperrors.ErrInputNotFound)
}

func (s *OrchestratorSuite) TestInputIsDirectory() {
	s.input = s.dir

	_, err := s.run(s.newOrchestrator())
	assert.ErrorIs(s.T(), err, apperrors.ErrInputNotFound)
	assert.Zero(s.T(), s.engine.startedCount())
}

func (s *OrchestratorSuite) TestEnqueueFails_StopsProtocol() {
	s.client.enqueueErr = apperrors.Network("POST /v1/jobs/enqueue", errors.New("connection reset"))

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrNetwork)
	assert.Equal(s.T(), StageJobEnqueuing, res.FailedStage)

	var se *StageError
	require.ErrorAs(s.T(), err, &se)
	assert.Equal(s.T(), StageJobEnqueuing, se.Stage)

	assert.False(s.T(), s.client.called("upload"))
	assert.False(s.T(), s.client.called("start"))
	s.assertReleased()
}

func (s *OrchestratorSuite) TestClientFailures() {
	refused := errors.New("connection refused")
	cases := []struct {
		name      string
		setup     func(m *mockClient)
		kind      error
		stage     Stage
		notCalled []string
	}{
		{
			name:      "create session",
			setup:     func(m *mockClient) { m.sessionErr = apperrors.Network("POST /v1/sessions/create", refused) },
			kind:      apperrors.ErrNetwork,
			stage:     StageSessionCreating,
			notCalled: []string{"enqueue", "upload", "start", "poll"},
		},
		{
			name: "upload input",
			setup: func(m *mockClient) {
				m.uploadErr = apperrors.Network("POST /v1/jobs/job-1/input",
					&freerouting.StatusError{Code: http.StatusRequestEntityTooLarge})
			},
			kind:      apperrors.ErrNetwork,
			stage:     StageInputUploading,
			notCalled: []string{"start", "poll"},
		},
		{
			name:      "start job",
			setup:     func(m *mockClient) { m.startErr = apperrors.Network("PUT /v1/jobs/job-1/start", refused) },
			kind:      apperrors.ErrNetwork,
			stage:     StageJobStarting,
			notCalled: []string{"poll", "output"},
		},
		{
			name: "connection lost while polling",
			setup: func(m *mockClient) {
				m.statuses = []freerouting.State{freerouting.StateRunning}
				m.pollErr = apperrors.Network("GET /v1/jobs/job-1", refused)
			},
			kind:      apperrors.ErrNetwork,
			stage:     StagePolling,
			notCalled: []string{"output"},
		},
		{
			name: "corrupt output payload",
			setup: func(m *mockClient) {
				m.outputErr = apperrors.Protocol("GET /v1/jobs/job-1/output",
					"output is not valid base64", base64.CorruptInputError(4))
			},
			kind:  apperrors.ErrProtocol,
			stage: StageJobCompleted,
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			tc.setup(s.client)

			res, err := s.run(s.newOrchestrator())
			require.Error(s.T(), err)
			assert.ErrorIs(s.T(), err, tc.kind)
			assert.NotErrorIs(s.T(), err, apperrors.ErrCanceled)
			assert.Equal(s.T(), OutcomeFailure, res.Outcome)
			assert.Equal(s.T(), tc.stage, res.FailedStage)

			var se *StageError
			require.ErrorAs(s.T(), err, &se)
			assert.Equal(s.T(), tc.stage, se.Stage)

			for _, call := range tc.notCalled {
				assert.False(s.T(), s.client.called(call), "%s must not be called", call)
			}
			assert.Contains(s.T(), res.Stages, StageCleanup)
			assert.NoFileExists(s.T(), s.output)
			s.assertStagesIncrease(res.Stages)
			s.assertReleased()
		})
	}
}

func (s *OrchestratorSuite) TestPollsUntilTerminal() {
	s.client.statuses = []freerouting.State{
		freerouting.StateQueued, freerouting.StateRunning, freerouting.StateRunning,
		freerouting.StateRunning, freerouting.StateCompleted,
	}

	o := s.newOrchestrator()
	begin := time.Now()
	res, err := s.run(o)
	elapsed := time.Since(begin)

	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, res.Polls)
	assert.Equal(s.T(), int32(5), s.client.polls.Load())
	assert.GreaterOrEqual(s.T(), elapsed, 4*5*time.Millisecond,
		"each non-terminal poll must be followed by a full poll interval")
}

func (s *OrchestratorSuite) TestPollInterval_SpacesPolls() {
	var mu sync.Mutex
	var at []time.Time
	s.client.statuses = []freerouting.State{
		freerouting.StateRunning, freerouting.StateRunning, freerouting.StateCompleted,
	}
	s.client.onPoll = func(int) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
	}

	res, err := s.run(s.newOrchestrator(func(c *Config) {
		c.PollInterval = 20 * time.Millisecond
	}))
	require.NoError(s.T(), err)
	require.Equal(s.T(), 3, res.Polls)
	require.Len(s.T(), at, 3)
	for i := 1; i < len(at); i++ {
		assert.GreaterOrEqual(s.T(), at[i].Sub(at[i-1]), 20*time.Millisecond, "gap before poll %d", i+1)
	}
}

func (s *OrchestratorSuite) TestJobTimeout() {
	s.client.statuses = []freerouting.State{freerouting.StateRunning}

	res, err := s.run(s.newOrchestrator(func(c *Config) {
		c.JobTimeout = 30 * time.Millisecond
	}))
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrJobTimeout)
	assert.NotErrorIs(s.T(), err, apperrors.ErrCanceled)
	assert.Equal(s.T(), StagePolling, res.FailedStage)
	assert.Positive(s.T(), res.Polls)
	assert.NoFileExists(s.T(), s.output)
	s.assertReleased()
}

func (s *OrchestratorSuite) TestMaxPollsExhausted() {
	s.client.statuses = []freerouting.State{freerouting.StateRunning}

	res, err := s.run(s.newOrchestrator(func(c *Config) {
		c.MaxPolls = 3
	}))
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrJobTimeout)
	assert.Equal(s.T(), 3, res.Polls)
	s.assertReleased()
}

func (s *OrchestratorSuite) TestCanceledWhilePolling_StillReleases() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.ctx = ctx
	s.client.statuses = []freerouting.State{freerouting.StateRunning}
	s.client.onPoll = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrCanceled)
	assert.Equal(s.T(), OutcomeFailure, res.Outcome)
	assert.Contains(s.T(), res.Stages, StageCleanup)
	s.assertReleased()
}

func (s *OrchestratorSuite) TestCanceledBeforeStart() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.ctx = ctx

	_, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrCanceled)
	assert.False(s.T(), s.client.called("session"))
	assert.LessOrEqual(s.T(), s.engine.releasedCount(), 1)
	assert.Equal(s.T(), s.engine.startedCount(), s.engine.releasedCount())
	assert.False(s.T(), s.ports.Held(37864))
}

func (s *OrchestratorSuite) TestPanic_StillReleases() {
	s.client.onSession = func() { panic("boom") }
	o := s.newOrchestrator()

	assert.PanicsWithValue(s.T(), "boom", func() {
		_, _ = s.run(o)
	})
	s.assertReleased()
}

func (s *OrchestratorSuite) TestOutputWriteFails_NoPartialFile() {
	s.output = filepath.Join(s.dir, "missing", "board.ses")

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrOutputWrite)
	assert.Equal(s.T(), StageJobCompleted, res.FailedStage)
	assert.NoFileExists(s.T(), s.output)
	s.assertReleased()
}

func (s *OrchestratorSuite) TestNeverReady() {
	s.client.notReady = true

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrContainerStart)
	assert.Equal(s.T(), StageReadyWait, res.FailedStage)
	assert.False(s.T(), s.client.called("session"))
	s.assertReleased()
}

func (s *OrchestratorSuite) TestStartFails_ReturnsLease() {
	s.engine.startErr = apperrors.ContainerStart("start", errors.New("port is already allocated"))

	res, err := s.run(s.newOrchestrator())
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrContainerStart)
	assert.Equal(s.T(), StageContainerStarting, res.FailedStage)
	assert.Empty(s.T(), res.ContainerID)
	assert.Zero(s.T(), s.engine.releasedCount())
	assert.False(s.T(), s.ports.Held(37864))
}

func (s *OrchestratorSuite) TestReleaseFailure_DoesNotFlipSuccess() {
	s.engine.releaseErr = errors.New("daemon went away")

	res, err := s.run(s.newOrchestrator())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), OutcomeSuccess, res.Outcome)
	assert.FileExists(s.T(), s.output)
}

func (s *OrchestratorSuite) TestStagesStrictlyIncrease() {
	cases := map[string]func(){
		"success": func() {},
		"failed":  func() { s.client.statuses = []freerouting.State{freerouting.StateFailed} },
		"enqueue": func() { s.client.enqueueErr = apperrors.Network("enqueue", errors.New("x")) },
		"ready":   func() { s.client.notReady = true },
	}
	for name, setup := range cases {
		s.Run(name, func() {
			s.SetupTest()
			setup()
			res, _ := s.run(s.newOrchestrator())
			s.assertStagesIncrease(res.Stages)
		})
	}
}

func (s *OrchestratorSuite) TestConcurrentRunsSerializeOnPort() {
	var active, maxActive atomic.Int32
	s.client.statuses = []freerouting.State{freerouting.StateRunning, freerouting.StateCompleted}
	s.client.onPoll = func(int) {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	}
	o := s.newOrchestrator()

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := filepath.Join(s.dir, fmt.Sprintf("out-%d.ses", i))
			_, _ = o.Run(s.ctx, Request{InputPath: s.input, OutputPath: out})
		}()
	}
	wg.Wait()

	assert.Equal(s.T(), int32(1), maxActive.Load(), "runs on one host port must not overlap")
	assert.Equal(s.T(), 3, s.engine.releasedCount())
}

// ---------------------------------------------------------------------------
// End to end against a fake routing service
// ---------------------------------------------------------------------------

type fakeService struct {
	*httptest.Server
	polls    atomic.Int32
	uploaded atomic.Value
}

// newFakeService serves the routing protocol for job-42. The job completes
// on the third poll and the output endpoint answers with outputData.
func newFakeService(t *testing.T, outputData string) *fakeService {
	t.Helper()
	f := &fakeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/system/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})
	mux.HandleFunc("POST /v1/sessions/create", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sess-42"}`))
	})
	mux.HandleFunc("POST /v1/jobs/enqueue", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"job-42","state":"QUEUED"}`))
	})
	mux.HandleFunc("POST /v1/jobs/job-42/input", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := freerouting.DecodePayload(body.Data)
		f.uploaded.Store(string(data))
	})
	mux.HandleFunc("PUT /v1/jobs/job-42/start", func(http.ResponseWriter, *http.Request) {})
	mux.HandleFunc("GET /v1/jobs/job-42", func(w http.ResponseWriter, _ *http.Request) {
		state := "RUNNING"
		if f.polls.Add(1) >= 3 {
			state = "COMPLETED"
		}
		_, _ = w.Write([]byte(`{"id":"job-42","state":"` + state + `"}`))
	})
	mux.HandleFunc("GET /v1/jobs/job-42/output", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":"` + outputData + `"}`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newFakeServiceOrchestrator(t *testing.T, srv *fakeService) (*Orchestrator, *mockEngine) {
	t.Helper()
	eng := &mockEngine{}
	return New(Config{
		Image:         "freerouting:test",
		HostPort:      0,
		ContainerPort: 37864,
		PollInterval:  time.Millisecond,
		Engine:        eng,
		Ports:         port.NewRegistry(availableProber{}),
		NewClient: func(string) (Client, error) {
			return freerouting.New(freerouting.Config{BaseURL: srv.URL, Timeout: time.Second})
		},
	}), eng
}

func TestRun_AgainstFakeService(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "board.dsn")
	output := filepath.Join(dir, "board.ses")
	require.NoError(t, os.WriteFile(input, []byte("(pcb board)"), 0o644))

	srv := newFakeService(t, freerouting.EncodePayload([]byte("(session routed)")))
	o, eng := newFakeServiceOrchestrator(t, srv)

	res, err := o.Run(context.Background(), Request{InputPath: input, OutputPath: output})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, port.DynamicRangeStart, res.HostPort)
	assert.Equal(t, "(pcb board)", srv.uploaded.Load())

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "(session routed)", string(got))
	assert.Equal(t, 1, eng.releasedCount())
}

func TestRun_AgainstFakeService_CorruptOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "board.dsn")
	output := filepath.Join(dir, "board.ses")
	require.NoError(t, os.WriteFile(input, []byte("(pcb board)"), 0o644))

	srv := newFakeService(t, "%%not-base64%%")
	o, eng := newFakeServiceOrchestrator(t, srv)

	res, err := o.Run(context.Background(), Request{InputPath: input, OutputPath: output})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, StageJobCompleted, res.FailedStage)
	assert.NoFileExists(t, output)
	assert.Equal(t, 1, eng.releasedCount())
}

func TestStageOrder(t *testing.T) {
	assert.True(t, StageInit.Before(StageContainerStarting))
	assert.True(t, StagePolling.Before(StageJobFailed))
	assert.False(t, StageJobCompleted.Before(StageJobFailed))
	assert.False(t, StageJobFailed.Before(StageJobCompleted))
	assert.True(t, StageCleanup.Before(StageFailure))
	assert.False(t, StageSuccess.Before(StageFailure))
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StagePolling, Err: apperrors.JobFailed("job-1")}
	assert.Contains(t, err.Error(), "stage POLLING")
	assert.ErrorIs(t, err, apperrors.ErrJobFailed)
}
