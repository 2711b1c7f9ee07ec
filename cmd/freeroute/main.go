package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/freeroute/internal/buildinfo"
	"github.com/terrpan/freeroute/internal/config"
	"github.com/terrpan/freeroute/internal/orchestrator"
	"github.com/terrpan/freeroute/internal/otel"
)

// shutdownSignals cancel a run; container cleanup still happens.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

var (
	cfgPath       string
	flagOverrides config.Config
	flagHostPort  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "freeroute <input.dsn> <output.ses>",
	Short: "Autoroute a PCB design with a containerized freerouting service",
	Long: `freeroute starts the freerouting service in a Docker container, submits
the Specctra design file as a routing job, waits for the job to finish and
writes the routed session file. The container is always removed again, also
when the run fails or is interrupted.

Configuration is read from a YAML file (--config), then the environment
(FREEROUTING_PROFILE_ID, FREEROUTING_HOST for the Freerouting-Environment-Host
header, FREEROUTING_SERVICE_HOST, FREEROUTING_IMAGE), then CLI flags.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime),
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Arguments are valid from here on; later errors are not usage errors.
		cmd.SilenceUsage = true

		ctx, cancel := signal.NotifyContext(cmd.Context(), shutdownSignals...)
		defer cancel()
		return run(ctx, cmd, orchestrator.Request{InputPath: args[0], OutputPath: args[1]})
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfgPath, "config", "freeroute.yaml", "Path to YAML configuration file")

	f.StringVar(&flagOverrides.Container.Image, "image", "", "Routing service container image")
	f.IntVar(&flagHostPort, "port", config.DefaultPort, "Host port for the routing service (0 picks a free port)")

	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges CLI flag values that were set into the loaded
// config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if flagOverrides.Container.Image != "" {
		cfg.Container.Image = flagOverrides.Container.Image
	}
	if cmd.Flags().Changed("port") {
		p := flagHostPort
		cfg.Container.HostPort = &p
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context, cmd *cobra.Command, req orchestrator.Request) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(os.Stderr)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("commit", buildinfo.Commit),
		slog.String("image", cfg.Container.Image),
		slog.Int("hostPort", *cfg.Container.HostPort),
	)

	// A missing input fails before anything touches the network.
	if err := orchestrator.Precheck(req); err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	tel, err := otel.Setup(ctx, "freeroute", cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if cfg.Metrics.Port > 0 {
		stop := serveMetrics(tel.MetricsHandler(), cfg.Metrics.Port, logger)
		defer stop()
	}

	// ---------------------------------------------------------------
	// 4. Initialize container engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("engine shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 5. Route
	// ---------------------------------------------------------------
	o := orchestrator.New(cfg.OrchestratorConfig(eng, logger))
	res, err := o.Run(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("run interrupted")
		}
		return fmt.Errorf("routing %s failed: %w", req.InputPath, err)
	}

	logger.Info("routing finished",
		slog.String("outcome", string(res.Outcome)),
		slog.String("output", req.OutputPath),
		slog.Int("polls", res.Polls),
	)
	return nil
}

// serveMetrics exposes /metrics on port until the returned stop function
// is called.
func serveMetrics(handler http.Handler, port int, logger *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
