// Package docker implements the engine.Engine interface on top of the
// Docker daemon: the routing service runs as a single container with its
// protocol port published on the loopback interface.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/terrpan/freeroute/internal/apperrors"
	"github.com/terrpan/freeroute/internal/engine"
)

// Image pull policies.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// ManagedLabel marks containers created by this engine.
const ManagedLabel = "freeroute.managed"

const (
	defaultStopTimeout = 10 * time.Second
	pingTimeout        = 5 * time.Second
	bindAddress        = "127.0.0.1"
)

// Config holds Docker-specific settings.
type Config struct {
	// Pull selects when the image is pulled: "missing" (default) only
	// pulls when the image is not present locally, "always" pulls on
	// every start, "never" requires a local image.
	Pull string

	// StopTimeout is the grace period given to the service before the
	// daemon kills it. Default: 10s.
	StopTimeout time.Duration
}

// apiClient is the subset of the Docker SDK the engine uses.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...dockerclient.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Engine manages the routing service container through the Docker daemon.
type Engine struct {
	client      apiClient
	pull        string
	stopTimeout time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	containers map[string]*engine.Handle // containerID -> handle
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New connects to the Docker daemon named by the environment (DOCKER_HOST
// and friends) and verifies it answers a ping.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, apperrors.ContainerStart("docker client", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, apperrors.ContainerStart("docker ping", fmt.Errorf("is the Docker daemon running? %w", err))
	}

	return newEngine(client, cfg, logger), nil
}

func newEngine(client apiClient, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Pull == "" {
		cfg.Pull = PullMissing
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		client:      client,
		pull:        cfg.Pull,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		containers:  make(map[string]*engine.Handle),
	}
}

// Start ensures the image is available, then creates and starts the
// service container with its port published and directories mounted.
func (e *Engine) Start(ctx context.Context, spec engine.Spec) (*engine.Handle, error) {
	if spec.Name == "" {
		spec.Name = "freeroute-" + uuid.NewString()[:8]
	}

	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	cfg, hostCfg, err := containerConfig(spec)
	if err != nil {
		return nil, apperrors.ContainerStart("container config", err)
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, apperrors.ContainerStart("container create "+spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, apperrors.ContainerStart("container start "+spec.Name, err)
	}

	h := &engine.Handle{
		ID:       resp.ID,
		Name:     spec.Name,
		HostPort: spec.HostPort,
	}
	for _, m := range spec.Mounts {
		switch m.Target {
		case engine.InputTarget:
			h.InputMount = m
		case engine.OutputTarget:
			h.OutputMount = m
		}
	}

	e.mu.Lock()
	e.containers[resp.ID] = h
	e.mu.Unlock()

	e.logger.Info("service container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
		slog.String("image", spec.Image),
		slog.Int("hostPort", spec.HostPort),
	)

	return h, nil
}

// Stop asks the daemon to stop the container. A container that is already
// stopped or gone is not an error.
func (e *Engine) Stop(ctx context.Context, h *engine.Handle) error {
	timeout := int(e.stopTimeout.Seconds())
	err := e.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container stop %s: %w", h.ID, err)
	}
	return nil
}

// Remove deletes the container. A container that is already gone is not
// an error.
func (e *Engine) Remove(ctx context.Context, h *engine.Handle) error {
	err := e.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", h.ID, err)
	}
	return nil
}

// Release stops and removes the container exactly once per handle. Later
// calls on the same handle return nil without touching the daemon.
func (e *Engine) Release(ctx context.Context, h *engine.Handle) error {
	if h == nil || !h.MarkReleased() {
		return nil
	}

	e.logger.Info("releasing service container",
		slog.String("name", h.Name),
		slog.String("containerID", h.ID),
	)

	// Remove is attempted even when Stop fails: a forced remove also
	// kills a running container.
	err := errors.Join(e.Stop(ctx, h), e.Remove(ctx, h))
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.containers, h.ID)
	e.mu.Unlock()

	return nil
}

// Shutdown force-removes every container this engine is still tracking,
// including ones whose Release failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	snapshot := make(map[string]*engine.Handle, len(e.containers))
	for k, v := range e.containers {
		snapshot[k] = v
	}
	e.mu.Unlock()

	var firstErr error
	for id, h := range snapshot {
		e.logger.Info("shutdown: removing service container",
			slog.String("name", h.Name),
			slog.String("containerID", id),
		)
		if err := e.Remove(ctx, h); err != nil {
			e.logger.Error("shutdown: failed to remove service container",
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		h.MarkReleased()
		e.mu.Lock()
		delete(e.containers, id)
		e.mu.Unlock()
	}

	return errors.Join(firstErr, e.client.Close())
}

// ensureImage applies the pull policy for ref.
func (e *Engine) ensureImage(ctx context.Context, ref string) error {
	if e.pull != PullAlways {
		_, err := e.client.ImageInspect(ctx, ref)
		switch {
		case err == nil:
			return nil
		case !errdefs.IsNotFound(err):
			return apperrors.ContainerStart("image inspect "+ref, err)
		case e.pull == PullNever:
			return apperrors.ContainerStart("image inspect "+ref, fmt.Errorf("image not present locally and pull policy is %q: %w", PullNever, err))
		}
	}

	e.logger.Info("pulling service image", slog.String("image", ref))

	pull, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return apperrors.ContainerStart("image pull "+ref, err)
	}
	defer pull.Close()
	// Drain the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return apperrors.ContainerStart("reading image pull response", err)
	}

	e.logger.Info("service image ready", slog.String("image", ref))
	return nil
}

// containerConfig translates spec into Docker create parameters.
func containerConfig(spec engine.Spec) (*container.Config, *container.HostConfig, error) {
	if spec.Image == "" {
		return nil, nil, errors.New("image is required")
	}
	if spec.ContainerPort <= 0 || spec.ContainerPort > 65535 {
		return nil, nil, fmt.Errorf("container port %d out of range", spec.ContainerPort)
	}
	if spec.HostPort <= 0 || spec.HostPort > 65535 {
		return nil, nil, fmt.Errorf("host port %d out of range", spec.HostPort)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return nil, nil, err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		WorkingDir:   spec.WorkDir,
		Labels:       map[string]string{ManagedLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: bindAddress, HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Mounts: mounts,
	}
	return cfg, hostCfg, nil
}
