package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/evalfarm/pkg/config"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/shutdown"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/tracing"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
	"github.com/psantana5/evalfarm/pkg/worker"
)

// Exit codes of `evalfarm worker --once`
const (
	exitCompleted = 0
	exitAborted   = 1
	exitBadArgs   = 2
	exitNoUnit    = 3
)

var (
	workerInstance int
	workerOnce     bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and evaluate units",
	Long: `Runs one worker agent. The agent claims pending units from the store, runs
each genome on every track and writes the results back. With --once it handles
at most one unit and reports the outcome through its exit code:

  0  unit completed and store updated
  1  evaluation aborted (store already updated)
  2  bad arguments or configuration
  3  no pending unit`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntVar(&workerInstance, "instance", 0, "instance number on this host, part of the worker identity")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "evaluate at most one unit and exit")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerInstance < 0 {
		return withExitCode(exitBadArgs, fmt.Errorf("--instance must not be negative"))
	}
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(exitBadArgs, err)
	}

	logger, err := newLogger(cfg, "worker", fmt.Sprintf("instance-%d", workerInstance))
	if err != nil {
		return withExitCode(exitBadArgs, err)
	}
	defer logger.Close()

	sm := shutdown.New(30*time.Second, logger)
	ctx, cancel := sm.Context(cmd.Context())
	defer cancel()

	s, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(s))

	runner, err := newRunner(cfg, workerInstance, logger)
	if err != nil {
		sm.Shutdown()
		return withExitCode(exitBadArgs, err)
	}
	if closer, ok := runner.(interface{ Close() error }); ok {
		sm.Register("runner", shutdown.CloseResource(closer))
	}

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceName = tracingCfg.ServiceName + "-worker"
	tp, err := tracing.InitTracer(tracingCfg, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", logging.Fields{"error": err.Error()})
		tp = tracing.Noop()
	}
	sm.Register("tracing", tp.Shutdown)

	m := metrics.New()
	agent := worker.NewAgent(s, runner, cfg.WorkerConfig(workerInstance),
		worker.WithLogger(logger),
		worker.WithMetrics(m),
		worker.WithTracer(tp),
	)

	if workerOnce {
		code, err := runWorkerOnce(ctx, agent)
		if shutdownErr := sm.Shutdown(); shutdownErr != nil {
			logger.Warn("Shutdown incomplete", logging.Fields{"error": shutdownErr.Error()})
		}
		if code != exitCompleted {
			return withExitCode(code, err)
		}
		return nil
	}

	if addr := instanceAddr(cfg.Worker.MetricsAddr, workerInstance); addr != "" {
		srv := &http.Server{
			Addr:         addr,
			Handler:      m,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		sm.Register("metrics-server", shutdown.StopHTTPServer(srv))
		go func() {
			logger.Info("Metrics listening", logging.Fields{"addr": addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", logging.Fields{"error": err.Error()})
			}
		}()
	}

	runErr := agent.Run(ctx)
	if err := sm.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// runWorkerOnce maps a single claim-and-evaluate pass to an exit code
func runWorkerOnce(ctx context.Context, agent *worker.Agent) (int, error) {
	claimed, err := agent.RunOnce(ctx)
	switch {
	case err != nil:
		return exitAborted, err
	case !claimed:
		return exitNoUnit, nil
	}
	return exitCompleted, nil
}

// newRunner builds the configured track runner for one worker instance
func newRunner(cfg *config.Config, instance int, logger *logging.Logger) (trackrunner.Runner, error) {
	switch cfg.Runner.Type {
	case "", "process":
		return trackrunner.NewProcessRunner(cfg.ProcessConfig(instance), logger), nil
	case "docker":
		r, err := trackrunner.NewDockerRunner(cfg.DockerConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker runner: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown runner type %q", cfg.Runner.Type)
	}
}

// instanceAddr offsets the port of addr by instance so co-located workers
// each get their own metrics listener
func instanceAddr(addr string, instance int) string {
	if addr == "" {
		return ""
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+instance))
}
