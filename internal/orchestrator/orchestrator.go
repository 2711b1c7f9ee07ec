// Package orchestrator drives one routing run end to end: it provisions the
// service container, walks the job protocol against it and always releases
// the container again, whatever happens in between.
package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/moby/sys/atomicwriter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/freeroute/internal/apperrors"
	"github.com/terrpan/freeroute/internal/engine"
	"github.com/terrpan/freeroute/internal/freerouting"
	"github.com/terrpan/freeroute/internal/health"
	"github.com/terrpan/freeroute/internal/port"
)

// Client is the routing service surface a run drives. *freerouting.Client
// satisfies it.
type Client interface {
	SystemStatus(ctx context.Context) error
	CreateSession(ctx context.Context) (freerouting.Session, error)
	EnqueueJob(ctx context.Context, sessionID, name, priority string) (freerouting.Job, error)
	UploadInput(ctx context.Context, jobID, filename string, data []byte) error
	StartJob(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (freerouting.Job, error)
	FetchOutput(ctx context.Context, jobID string) ([]byte, error)
}

// ClientFactory builds a Client for the service published at baseURL.
type ClientFactory func(baseURL string) (Client, error)

// Config holds everything a run needs besides the request itself.
type Config struct {
	Image         string
	HostPort      int // 0 leases a free port from the dynamic range
	ContainerPort int
	ServiceHost   string // default: localhost

	JobName      string // default: input file base name
	Priority     string
	PollInterval time.Duration // default: 5s
	JobTimeout   time.Duration // 0 disables the elapsed-time budget
	MaxPolls     int           // 0 disables the attempt budget

	Readiness      health.Config
	CleanupTimeout time.Duration // default: 30s

	Engine    engine.Engine
	Ports     *port.Registry
	NewClient ClientFactory
	Logger    *slog.Logger
}

// Request names the files of one run.
type Request struct {
	InputPath  string
	OutputPath string
}

// Result describes how a run went.
type Result struct {
	Outcome     Outcome
	Stages      []Stage
	FailedStage Stage
	Polls       int
	HostPort    int
	ContainerID string
	SessionID   string
	JobID       string
}

// Orchestrator runs routing jobs. Runs sharing an Orchestrator (and so its
// port registry) are serialized on the host port.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer

	runs          metric.Int64Counter
	polls         metric.Int64Counter
	stageFailures metric.Int64Counter
	runDuration   metric.Float64Histogram
}

// New creates an Orchestrator. cfg.Engine is required.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ServiceHost == "" {
		cfg.ServiceHost = "localhost"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.Ports == nil {
		cfg.Ports = port.NewRegistry(port.NewScanner())
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(baseURL string) (Client, error) {
			return freerouting.New(freerouting.Config{BaseURL: baseURL})
		}
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("freeroute/orchestrator"),
	}

	meter := otel.Meter("freeroute/orchestrator")
	var err error
	o.runs, err = meter.Int64Counter(
		"freeroute.runs",
		metric.WithDescription("Total number of routing runs by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create runs counter", slog.String("error", err.Error()))
	}

	o.polls, err = meter.Int64Counter(
		"freeroute.polls",
		metric.WithDescription("Total number of job status polls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create polls counter", slog.String("error", err.Error()))
	}

	o.stageFailures, err = meter.Int64Counter(
		"freeroute.stage.failures",
		metric.WithDescription("Total number of runs that failed, by stage"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create stageFailures counter", slog.String("error", err.Error()))
	}

	o.runDuration, err = meter.Float64Histogram(
		"freeroute.run.duration",
		metric.WithDescription("Wall time of a routing run (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		o.logger.Warn("failed to create runDuration histogram", slog.String("error", err.Error()))
	}

	return o
}

// run carries the state of a single Run call.
type run struct {
	o   *Orchestrator
	req Request
	res *Result
	log *slog.Logger

	lease  *port.Lease
	handle *engine.Handle
}

// Run executes one routing job. The returned Result is never nil. A
// non-nil error is a *StageError whose cause is classified by the
// apperrors sentinels; the Result's Outcome is FAILURE in that case.
//
// Once the container start has been attempted, the container and its port
// lease are released exactly once on every path out of Run, including
// cancellation of ctx and panics.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Run")
	defer span.End()

	span.SetAttributes(
		attribute.String("freeroute.input", req.InputPath),
		attribute.String("freeroute.output", req.OutputPath),
	)

	r := &run{
		o:   o,
		req: req,
		res: &Result{},
		log: o.logger.With(slog.String("input", req.InputPath)),
	}

	start := time.Now()
	err := r.execute(ctx)
	r.finish(ctx, span, err, time.Since(start))
	return r.res, err
}

func (r *run) execute(ctx context.Context) error {
	cfg := r.o.cfg

	r.enter(StageInit)
	input, err := readInput(r.req.InputPath)
	if err != nil {
		return r.fail(StageInit, err)
	}

	r.enter(StageContainerStarting)
	defer r.cleanup(ctx)

	if err := r.startContainer(ctx); err != nil {
		return r.fail(StageContainerStarting, err)
	}

	baseURL := "http://" + net.JoinHostPort(cfg.ServiceHost, strconv.Itoa(r.res.HostPort))
	client, err := cfg.NewClient(baseURL)
	if err != nil {
		return r.fail(StageContainerStarting, apperrors.ContainerStart("routing client", err))
	}

	err = r.step(ctx, StageReadyWait, func(ctx context.Context) error {
		attempts, err := health.WaitReady(ctx, client, cfg.Readiness, r.log.WithGroup("health"))
		r.log.Debug("readiness probe finished", slog.Int("attempts", attempts))
		return err
	})
	if err != nil {
		return err
	}

	err = r.step(ctx, StageSessionCreating, func(ctx context.Context) error {
		sess, err := client.CreateSession(ctx)
		r.res.SessionID = sess.ID
		return err
	})
	if err != nil {
		return err
	}
	r.log = r.log.With(slog.String("sessionID", r.res.SessionID))

	err = r.step(ctx, StageJobEnqueuing, func(ctx context.Context) error {
		job, err := client.EnqueueJob(ctx, r.res.SessionID, r.jobName(), cfg.Priority)
		r.res.JobID = job.ID
		return err
	})
	if err != nil {
		return err
	}
	r.log = r.log.With(slog.String("jobID", r.res.JobID))

	err = r.step(ctx, StageInputUploading, func(ctx context.Context) error {
		return client.UploadInput(ctx, r.res.JobID, filepath.Base(r.req.InputPath), input)
	})
	if err != nil {
		return err
	}

	err = r.step(ctx, StageJobStarting, func(ctx context.Context) error {
		return client.StartJob(ctx, r.res.JobID)
	})
	if err != nil {
		return err
	}

	var state freerouting.State
	err = r.step(ctx, StagePolling, func(ctx context.Context) error {
		var err error
		state, err = r.poll(ctx, client)
		return err
	})
	if err != nil {
		return err
	}

	if state == freerouting.StateFailed {
		r.enter(StageJobFailed)
		return r.fail(StageJobFailed, apperrors.JobFailed(r.res.JobID))
	}

	return r.step(ctx, StageJobCompleted, func(ctx context.Context) error {
		data, err := client.FetchOutput(ctx, r.res.JobID)
		if err != nil {
			return err
		}
		// The write goes to a temporary file renamed into place, so a
		// failed write never leaves a truncated result behind.
		if err := atomicwriter.WriteFile(r.req.OutputPath, data, 0o644); err != nil {
			return apperrors.OutputWrite(r.req.OutputPath, err)
		}
		r.log.Info("routing result written",
			slog.String("output", r.req.OutputPath),
			slog.Int("bytes", len(data)),
		)
		return nil
	})
}

// startContainer leases the host port and starts the service container.
func (r *run) startContainer(ctx context.Context) error {
	cfg := r.o.cfg

	lease, err := cfg.Ports.Acquire(ctx, cfg.HostPort)
	if err != nil {
		return err
	}
	r.lease = lease
	r.res.HostPort = lease.Port

	inputDir, err := filepath.Abs(filepath.Dir(r.req.InputPath))
	if err != nil {
		return apperrors.ContainerStart("resolving input directory", err)
	}
	outputDir, err := filepath.Abs(filepath.Dir(r.req.OutputPath))
	if err != nil {
		return apperrors.ContainerStart("resolving output directory", err)
	}

	h, err := cfg.Engine.Start(ctx, engine.Spec{
		Image:         cfg.Image,
		HostPort:      lease.Port,
		ContainerPort: cfg.ContainerPort,
		WorkDir:       engine.InputTarget,
		Mounts: []engine.Mount{
			{Source: inputDir, Target: engine.InputTarget, ReadOnly: true},
			{Source: outputDir, Target: engine.OutputTarget},
		},
	})
	if err != nil {
		return err
	}
	r.handle = h
	r.res.ContainerID = h.ID
	r.log = r.log.With(slog.String("containerID", h.ID))
	return nil
}

// poll asks for the job state until it is terminal or the poll budget is
// spent. The first poll is issued immediately.
func (r *run) poll(ctx context.Context, client Client) (freerouting.State, error) {
	cfg := r.o.cfg
	jobID := r.res.JobID

	pollCtx := ctx
	if cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, cfg.JobTimeout)
		defer cancel()
	}

	for {
		if cfg.MaxPolls > 0 && r.res.Polls >= cfg.MaxPolls {
			return "", apperrors.JobTimeout(jobID, r.res.Polls, nil)
		}

		r.res.Polls++
		if r.o.polls != nil {
			r.o.polls.Add(ctx, 1)
		}

		job, err := client.JobStatus(pollCtx, jobID)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return "", apperrors.Canceled("poll", ctx.Err())
			case pollCtx.Err() != nil:
				return "", apperrors.JobTimeout(jobID, r.res.Polls, pollCtx.Err())
			}
			return "", err
		}

		r.log.Debug("job status",
			slog.Int("poll", r.res.Polls),
			slog.String("state", string(job.State)),
		)
		if job.State.Terminal() {
			r.log.Info("job finished",
				slog.String("state", string(job.State)),
				slog.Int("polls", r.res.Polls),
			)
			return job.State, nil
		}

		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-timer.C:
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return "", apperrors.Canceled("poll", ctx.Err())
			}
			return "", apperrors.JobTimeout(jobID, r.res.Polls, pollCtx.Err())
		}
	}
}

// cleanup releases the container and the port lease. It runs deferred, so
// it also runs while a panic unwinds.
func (r *run) cleanup(ctx context.Context) {
	r.enter(StageCleanup)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.CleanupTimeout)
	defer cancel()

	if r.handle != nil {
		if err := r.o.cfg.Engine.Release(ctx, r.handle); err != nil {
			r.log.Error("failed to release service container",
				slog.String("stage", string(StageCleanup)),
				slog.String("error", err.Error()),
			)
		}
	}
	r.lease.Release()
}

// step enters stage and runs fn under a child span, unless ctx is already
// done.
func (r *run) step(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	r.enter(stage)
	if err := ctx.Err(); err != nil {
		return r.fail(stage, apperrors.Canceled(string(stage), err))
	}

	ctx, span := r.o.tracer.Start(ctx, "orchestrator."+string(stage))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.fail(stage, err)
	}
	return nil
}

func (r *run) enter(stage Stage) {
	r.res.Stages = append(r.res.Stages, stage)
	r.log.Info("entering stage", slog.String("stage", string(stage)))
}

func (r *run) fail(stage Stage, err error) error {
	r.res.FailedStage = stage
	return &StageError{Stage: stage, Err: err}
}

func (r *run) finish(ctx context.Context, span trace.Span, err error, elapsed time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.res.Outcome = outcome
	r.enter(Stage(outcome))

	span.SetAttributes(
		attribute.String("freeroute.outcome", string(outcome)),
		attribute.Int("freeroute.polls", r.res.Polls),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.o.stageFailures != nil {
			r.o.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(r.res.FailedStage))))
		}
		r.log.Error("routing run failed",
			slog.String("stage", string(r.res.FailedStage)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	} else {
		r.log.Info("routing run succeeded",
			slog.Duration("elapsed", elapsed),
			slog.Int("polls", r.res.Polls),
		)
	}

	if r.o.runs != nil {
		r.o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if r.o.runDuration != nil {
		r.o.runDuration.Record(ctx, elapsed.Seconds())
	}
}

func (r *run) jobName() string {
	if r.o.cfg.JobName != "" {
		return r.o.cfg.JobName
	}
	return filepath.Base(r.req.InputPath)
}

// Precheck reports the pre-flight error Run would fail with in INIT. The
// CLI calls it before connecting to the container daemon.
func Precheck(req Request) error {
	return statInput(req.InputPath)
}

func statInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.InputNotFound(path, err)
	}
	if info.IsDir() {
		return apperrors.InputNotFound(path, fmt.Errorf("%s is a directory: %w", path, fs.ErrInvalid))
	}
	return nil
}

// readInput is the only pre-flight check: the input must be an existing,
// readable regular file.
func readInput(path string) ([]byte, error) {
	if err := statInput(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.InputNotFound(path, err)
	}
	return data, nil
}
