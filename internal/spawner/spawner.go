// Package spawner keeps a fixed number of worker processes alive on one host.
//
// Each instance runs in its own process group so a stop reaches the track
// runner children too. An instance that exits is started again after
// RestartDelay, except on exit code 2 (bad arguments), which would only loop.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/psantana5/evalfarm/pkg/logging"
)

// ExitBadArgs is the worker exit code for a configuration the spawner cannot fix
const ExitBadArgs = 2

// ErrBadArgs is returned for an instance that exited with ExitBadArgs
var ErrBadArgs = errors.New("worker rejected its arguments")

// Config tunes the supervisor
type Config struct {
	Instances    int
	RestartDelay time.Duration
	// CheckEvery is the liveness report interval
	CheckEvery time.Duration
	// StopGrace is how long a stopped group gets between SIGTERM and SIGKILL
	StopGrace time.Duration
}

// CommandFunc builds the command for one instance. It is called for every
// start. The spawner owns stopping, so the command must not be bound to a context.
type CommandFunc func(instance int) *exec.Cmd

// Spawner supervises worker instances
type Spawner struct {
	cfg     Config
	command CommandFunc
	logger  *logging.Logger

	mu       sync.Mutex
	pids     map[int]int
	restarts map[int]int
}

// New creates a spawner
func New(cfg Config, command CommandFunc, logger *logging.Logger) *Spawner {
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Spawner{
		cfg:      cfg,
		command:  command,
		logger:   logger,
		pids:     make(map[int]int),
		restarts: make(map[int]int),
	}
}

// Run supervises every instance until ctx is cancelled. It returns nil on
// cancellation and ErrBadArgs if any instance gave up.
func (s *Spawner) Run(ctx context.Context) error {
	s.logger.Info("Spawning workers", logging.Fields{"instances": s.cfg.Instances})

	p := pool.New().WithMaxGoroutines(s.cfg.Instances).WithContext(ctx)
	for i := 0; i < s.cfg.Instances; i++ {
		instance := i
		p.Go(func(ctx context.Context) error {
			return s.supervise(ctx, instance)
		})
	}

	if s.cfg.CheckEvery > 0 {
		go s.report(ctx)
	}

	err := p.Wait()
	s.logger.Info("Spawner stopped")
	return err
}

// Restarts reports how many times an instance has been started again
func (s *Spawner) Restarts(instance int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[instance]
}

// Alive counts the instances whose process still exists
func (s *Spawner) Alive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pid := range s.pids {
		if pidExists(pid) {
			n++
		}
	}
	return n
}

func (s *Spawner) supervise(ctx context.Context, instance int) error {
	log := s.logger.WithField("instance", instance)

	for {
		if ctx.Err() != nil {
			return nil
		}

		code, err := s.runOnce(ctx, instance)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			log.Error("Failed to start worker", logging.Fields{"error": err.Error()})
		case code == ExitBadArgs:
			log.Error("Worker rejected its arguments, not restarting", logging.Fields{"exit_code": code})
			return fmt.Errorf("instance %d: %w", instance, ErrBadArgs)
		default:
			log.Warn("Worker instance exited, restarting", logging.Fields{
				"exit_code": code,
				"delay":     s.cfg.RestartDelay.String(),
			})
		}

		if !sleepContext(ctx, s.cfg.RestartDelay) {
			return nil
		}
		s.mu.Lock()
		s.restarts[instance]++
		s.mu.Unlock()
	}
}

// runOnce starts one process and waits for it, stopping its group when ctx ends
func (s *Spawner) runOnce(ctx context.Context, instance int) (int, error) {
	cmd := s.command(instance)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start: %w", err)
	}
	pid := cmd.Process.Pid
	s.mu.Lock()
	s.pids[instance] = pid
	s.mu.Unlock()
	s.logger.Info("Worker instance started", logging.Fields{"instance": instance, "pid": pid})

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = s.stop(pid, done)
	}

	s.mu.Lock()
	delete(s.pids, instance)
	s.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// stop signals the whole process group, escalating after StopGrace
func (s *Spawner) stop(pid int, done <-chan error) error {
	syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn("Worker ignored SIGTERM, killing", logging.Fields{"pid": pid})
		syscall.Kill(-pid, syscall.SIGKILL)
		return <-done
	}
}

func (s *Spawner) report(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive := s.Alive()
			if alive != last {
				s.logger.Info("Worker instances alive", logging.Fields{"alive": alive, "instances": s.cfg.Instances})
				last = alive
			}
		}
	}
}

// pidExists sends signal 0, which checks existence without touching the process
func pidExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
