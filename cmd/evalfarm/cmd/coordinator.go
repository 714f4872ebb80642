package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/evalfarm/pkg/alert"
	"github.com/psantana5/evalfarm/pkg/api"
	"github.com/psantana5/evalfarm/pkg/auth"
	"github.com/psantana5/evalfarm/pkg/coordinator"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/population"
	"github.com/psantana5/evalfarm/pkg/shutdown"
	"github.com/psantana5/evalfarm/pkg/store"
	apitls "github.com/psantana5/evalfarm/pkg/tls"
	"github.com/psantana5/evalfarm/pkg/tracing"
)

var (
	coordGenerations int
	coordStart       int
	coordNoAPI       bool
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the generation loop",
	Long: `Reads each generation's genomes from the population directory, seeds one
unit per genome, waits for the workers to drain the generation while recovering
stalled claims, then scores the results and writes fitness.yaml next to the
manifest. The operator API and metrics are served alongside.`,
	Args: cobra.NoArgs,
	RunE: runCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)

	coordinatorCmd.Flags().IntVar(&coordGenerations, "generations", -1, "generations to evaluate (default from config, 0 runs until STOP)")
	coordinatorCmd.Flags().IntVar(&coordStart, "start", -1, "first generation (default from config)")
	coordinatorCmd.Flags().BoolVar(&coordNoAPI, "no-api", false, "do not serve the operator API")
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireTracks(); err != nil {
		return err
	}

	logger, err := newLogger(cfg, "coordinator", "")
	if err != nil {
		return err
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

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceName = tracingCfg.ServiceName + "-coordinator"
	tp, err := tracing.InitTracer(tracingCfg, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", logging.Fields{"error": err.Error()})
		tp = tracing.Noop()
	}
	sm.Register("tracing", tp.Shutdown)

	m := metrics.New()
	alerter := alert.New(cfg.Alert, logger)
	alerter.OnRaise(func(kind alert.Kind) {
		m.Alerts.WithLabelValues(string(kind)).Inc()
	})

	ccfg := cfg.CoordinatorConfig()
	if coordStart >= 0 {
		ccfg.StartGeneration = coordStart
	}
	generations := cfg.Coordinator.Generations
	if coordGenerations >= 0 {
		generations = coordGenerations
	}

	coord, err := coordinator.New(s, ccfg,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithTracer(tp),
		coordinator.WithAlerter(alerter),
		coordinator.WithSummary(os.Stdout),
	)
	if err != nil {
		sm.Shutdown()
		return err
	}

	if !coordNoAPI && cfg.API.Addr != "" {
		handler := api.NewHandler(s, m, auth.NewVerifier(cfg.API.TokenHash), logger)
		srv := &http.Server{
			Addr:         cfg.API.Addr,
			Handler:      api.NewRouter(handler, tp),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		useTLS := cfg.API.TLS.Enabled()
		if useTLS {
			tlsConfig, err := apitls.ServerConfig(cfg.API.TLS)
			if err != nil {
				sm.Shutdown()
				return err
			}
			srv.TLSConfig = tlsConfig
		}
		sm.Register("api-server", shutdown.StopHTTPServer(srv))
		go func() {
			logger.Info("Operator API listening", logging.Fields{"addr": cfg.API.Addr, "tls": useTLS})
			var err error
			if useTLS {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Operator API failed", logging.Fields{"error": err.Error()})
			}
		}()
	}

	pop := population.NewFilePopulation(cfg.Coordinator.PopulationDir, cfg.Coordinator.PopulationPoll, logger)
	logger.Info("Coordinator starting", logging.Fields{
		"population_dir": cfg.Coordinator.PopulationDir,
		"start":          ccfg.StartGeneration,
		"generations":    generations,
		"tracks":         len(ccfg.Tracks),
		"algo":           ccfg.Algo,
	})

	runErr := coord.Run(ctx, pop, generations)
	if errors.Is(runErr, ctx.Err()) && ctx.Err() != nil {
		runErr = nil
	}
	if err := sm.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
