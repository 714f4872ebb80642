package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/evalfarm/internal/spawner"
	"github.com/psantana5/evalfarm/pkg/shutdown"
)

var spawnInstances int

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Keep worker processes alive on this host",
	Long: `Starts --instances worker processes (evalfarm worker --instance i) and starts
each again after restart_delay whenever it exits. A worker that rejects its
arguments is not restarted. SIGTERM or SIGINT stops every worker process group.`,
	Args: cobra.NoArgs,
	RunE: runSpawn,
}

func init() {
	rootCmd.AddCommand(spawnCmd)

	spawnCmd.Flags().IntVar(&spawnInstances, "instances", 0, "worker processes to keep alive (default from config)")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "spawner", "")
	if err != nil {
		return err
	}
	defer logger.Close()

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate evalfarm binary: %w", err)
	}

	instances := cfg.Spawner.Instances
	if spawnInstances > 0 {
		instances = spawnInstances
	}

	sm := shutdown.New(30*time.Second, logger)
	ctx, cancel := sm.Context(cmd.Context())
	defer cancel()

	sp := spawner.New(spawner.Config{
		Instances:    instances,
		RestartDelay: cfg.Spawner.RestartDelay,
		CheckEvery:   cfg.Spawner.CheckEvery,
	}, workerCommand(executable, cfgFile), logger)

	err = sp.Run(ctx)
	sm.Shutdown()
	if errors.Is(err, spawner.ErrBadArgs) {
		return withExitCode(exitBadArgs, err)
	}
	return err
}

// workerCommand builds `evalfarm worker --instance i`, forwarding --config
func workerCommand(executable, configPath string) spawner.CommandFunc {
	return func(instance int) *exec.Cmd {
		args := []string{"worker", "--instance", strconv.Itoa(instance)}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		cmd := exec.Command(executable, args...)
		cmd.Env = os.Environ()
		return cmd
	}
}
