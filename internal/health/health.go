// Package health waits for the routing service inside a freshly started
// container to accept requests.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/terrpan/freeroute/internal/apperrors"
)

// Checker is implemented by anything that can issue a lightweight request
// against the service. The routing client's SystemStatus satisfies it.
type Checker interface {
	SystemStatus(ctx context.Context) error
}

// Config bounds the readiness probe. Zero values use defaults.
type Config struct {
	Timeout         time.Duration // default: 30s
	InitialInterval time.Duration // default: 250ms
	MaxInterval     time.Duration // default: 2s
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 250 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	return c
}

// WaitReady probes checker with exponential backoff until it succeeds, the
// timeout elapses, or ctx is canceled. It returns the number of probes
// issued. A service that never answers yields apperrors.ErrContainerStart;
// a canceled ctx yields apperrors.ErrCanceled.
func WaitReady(ctx context.Context, checker Checker, cfg Config, logger *slog.Logger) (int, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	attempts := 0
	start := time.Now()
	_, err := backoff.Retry(probeCtx, func() (struct{}, error) {
		attempts++
		return struct{}{}, checker.SystemStatus(probeCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(cfg.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("service not ready yet",
				slog.Int("attempt", attempts),
				slog.Duration("retryIn", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return attempts, apperrors.Canceled("readiness probe", ctx.Err())
		}
		return attempts, apperrors.ContainerStart("readiness probe", err)
	}

	logger.Info("service ready",
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", time.Since(start)),
	)
	return attempts, nil
}
