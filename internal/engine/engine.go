// Package engine defines the abstraction for the container backend that
// hosts the routing service. The orchestrator only talks to the Engine
// interface so the backend (Docker today) stays swappable and testable.
package engine

import (
	"context"
	"sync/atomic"
)

// Paths the routing service image expects.
const (
	InputTarget  = "/input"
	OutputTarget = "/output"
)

// Mount is a host directory bound into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes the container to start.
type Spec struct {
	// Name is the container name. Backends generate one when empty.
	Name string

	Image         string
	HostPort      int
	ContainerPort int
	Mounts        []Mount
	WorkDir       string
}

// Handle identifies a started container. It is owned by the caller that
// started it until Release is called on it.
type Handle struct {
	ID          string
	Name        string
	HostPort    int
	InputMount  Mount
	OutputMount Mount

	released atomic.Bool
}

// MarkReleased flips the handle into the released state. It reports false
// if the handle was already released.
func (h *Handle) MarkReleased() bool {
	return h.released.CompareAndSwap(false, true)
}

// Released reports whether Release already succeeded on the handle.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Engine is the contract every container backend must satisfy.
//
// The lifecycle of a routing container is:
//
//	Start → (service ready) → protocol calls → Release
//
// Stop and Remove must be idempotent: calling them on an already stopped
// or already removed container is not an error. Release is Stop followed
// by Remove; a second Release on the same handle is a no-op.
type Engine interface {
	// Start creates and starts the container described by spec. The
	// service inside is not guaranteed to accept connections yet.
	Start(ctx context.Context, spec Spec) (*Handle, error)

	// Stop requests graceful shutdown of the container.
	Stop(ctx context.Context, h *Handle) error

	// Remove deletes the stopped container's resources.
	Remove(ctx context.Context, h *Handle) error

	// Release stops and removes the container, swallowing "already gone"
	// conditions.
	Release(ctx context.Context, h *Handle) error

	// Shutdown releases every container this engine still tracks. It is
	// called once during process termination.
	Shutdown(ctx context.Context) error
}
