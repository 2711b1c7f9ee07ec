package port

import (
	"context"
	"fmt"
	"sync"

	"github.com/terrpan/freeroute/internal/apperrors"
)

// Prober reports OS-level port availability. *Scanner satisfies it.
type Prober interface {
	IsPortAvailable(port int, protocol string) bool
}

// Registry hands out exclusive leases on host TCP ports.
type Registry struct {
	prober Prober

	mu   sync.Mutex
	held map[int]chan struct{} // port -> closed on release
}

// NewRegistry creates a Registry that verifies ports with prober.
func NewRegistry(prober Prober) *Registry {
	return &Registry{
		prober: prober,
		held:   make(map[int]chan struct{}),
	}
}

// Lease is the ownership token for one host port.
type Lease struct {
	Port int

	once    sync.Once
	release func()
}

// Release returns the port to the registry. It is safe to call more than
// once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// Acquire leases port for the caller. If another lease on the same port is
// outstanding, Acquire blocks until it is released or ctx is done. Once
// held, the port is probed on the host; a port bound by some other process
// fails with apperrors.ErrContainerStart.
//
// port == 0 leases the first port in the dynamic range that is neither
// leased nor bound.
func (r *Registry) Acquire(ctx context.Context, port int) (*Lease, error) {
	if port == 0 {
		return r.acquireAny()
	}
	if port < 0 || port > DynamicRangeEnd {
		return nil, apperrors.ContainerStart("port lease", fmt.Errorf("port %d out of range", port))
	}

	for {
		r.mu.Lock()
		wait, busy := r.held[port]
		if !busy {
			lease := r.take(port)
			r.mu.Unlock()

			if !r.prober.IsPortAvailable(port, "tcp") {
				lease.Release()
				return nil, apperrors.ContainerStart("port lease", fmt.Errorf("host port %d is already bound", port))
			}
			return lease, nil
		}
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, apperrors.Canceled("port lease", ctx.Err())
		}
	}
}

func (r *Registry) acquireAny() (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port := DynamicRangeStart; port <= DynamicRangeEnd; port++ {
		if _, busy := r.held[port]; busy {
			continue
		}
		if r.prober.IsPortAvailable(port, "tcp") {
			return r.take(port), nil
		}
	}
	return nil, apperrors.ContainerStart("port lease",
		fmt.Errorf("no available tcp port found in range %d-%d", DynamicRangeStart, DynamicRangeEnd))
}

// take records port as held. Callers must hold r.mu.
func (r *Registry) take(port int) *Lease {
	done := make(chan struct{})
	r.held[port] = done
	return &Lease{
		Port: port,
		release: func() {
			r.mu.Lock()
			delete(r.held, port)
			r.mu.Unlock()
			close(done)
		},
	}
}

// Held reports whether port is currently leased.
func (r *Registry) Held(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[port]
	return ok
}
