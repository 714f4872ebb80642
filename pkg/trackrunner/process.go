package trackrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
)

const maxCapturedOutput = 256 * 1024

// ProcessConfig configures a ProcessRunner. Command templates may use the
// placeholders {port} {track} {track_index} {controller} {deadline}
// {target_time} and {unit}.
type ProcessConfig struct {
	// ServerCommand starts the game server. Empty means the bot hosts the
	// simulation itself.
	ServerCommand []string
	BotCommand    []string
	WorkDir       string
	Port          int
	Env           []string
	// ServerStartupDelay is waited between starting the server and the bot
	ServerStartupDelay time.Duration
	// KillGrace is how long a terminated process group gets before SIGKILL
	KillGrace time.Duration
}

// ProcessRunner runs a game server and a bot client as local process groups
type ProcessRunner struct {
	cfg    ProcessConfig
	logger *logging.Logger
}

// NewProcessRunner creates a runner for local processes
func NewProcessRunner(cfg ProcessConfig, logger *logging.Logger) *ProcessRunner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &ProcessRunner{cfg: cfg, logger: logger}
}

// RunTrack runs one track. All spawned process groups are gone when it returns.
func (r *ProcessRunner) RunTrack(ctx context.Context, req Request) (*models.TrackResult, error) {
	if len(r.cfg.BotCommand) == 0 {
		return nil, &RunError{Reason: ExitReasonBadArgs, Message: "no bot command configured"}
	}
	if req.Deadline <= 0 {
		return nil, &RunError{Reason: ExitReasonBadArgs, Message: "deadline must be positive"}
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Deadline)
	defer cancel()

	controllerPath, cleanup, err := writeController(r.cfg.WorkDir, req.Controller)
	if err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Message: "failed to write controller", Err: err}
	}
	defer cleanup()

	vars := templateVars(req, r.cfg.Port, controllerPath)
	log := r.logger.WithFields(logging.Fields{
		"unit_id":     req.UnitID,
		"track":       req.Track.ID,
		"track_index": req.TrackIndex,
		"deadline":    req.Deadline.String(),
	})

	if len(r.cfg.ServerCommand) > 0 {
		server := r.command(runCtx, expandArgs(r.cfg.ServerCommand, vars))
		if err := server.Start(); err != nil {
			return nil, &RunError{Reason: ExitReasonStartFailed, Message: "failed to start server", Err: err}
		}
		log.Debug("Server started", logging.Fields{"pid": server.Process.Pid})
		defer r.stopGroup(server)

		if r.cfg.ServerStartupDelay > 0 {
			select {
			case <-time.After(r.cfg.ServerStartupDelay):
			case <-runCtx.Done():
				return nil, r.contextError(ctx, req, "")
			}
		}
	}

	stdout := newTailBuffer(maxCapturedOutput)
	stderr := newTailBuffer(maxCapturedOutput)
	bot := r.command(runCtx, expandArgs(r.cfg.BotCommand, vars))
	bot.Stdout = stdout
	bot.Stderr = stderr

	start := time.Now()
	if err := bot.Start(); err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Message: "failed to start bot", Err: err}
	}
	log.Debug("Bot started", logging.Fields{"pid": bot.Process.Pid})

	waitErr := bot.Wait()
	wall := time.Since(start).Seconds()
	// Children the bot forked share its group
	_ = killGroup(bot.Process.Pid, syscall.SIGKILL)

	if waitErr != nil {
		if ctx.Err() != nil || runCtx.Err() != nil {
			return nil, r.contextError(ctx, req, stderr.String())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			ws, _ := exitErr.Sys().(syscall.WaitStatus)
			reason := DetermineExitReason(exitErr.ExitCode(), ws)
			msg := fmt.Sprintf("bot exited with code %d", exitErr.ExitCode())
			if ws.Signaled() {
				msg = "bot killed by " + SignalName(ws.Signal())
			}
			return nil, &RunError{
				Reason:   reason,
				ExitCode: exitErr.ExitCode(),
				Message:  msg,
				Output:   tail(stderr.Bytes(), 4096),
			}
		}
		return nil, &RunError{Reason: ExitReasonUnknown, Err: waitErr}
	}

	res, err := ParseResult(stdout.Bytes(), wall)
	if err != nil {
		return nil, &RunError{
			Reason:  ExitReasonNoResult,
			Message: "bot exited cleanly without a usable result",
			Output:  tail(stderr.Bytes(), 4096),
			Err:     err,
		}
	}

	log.Debug("Track run complete", logging.Fields{
		"completion": res.Completion,
		"time":       res.Time,
		"runtime":    res.Runtime,
		"autopsy":    string(res.Autopsy),
	})
	return res, nil
}

func (r *ProcessRunner) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.cfg.KillGrace
	return cmd
}

// stopGroup sends SIGTERM to the process group, then SIGKILL after the grace
// period, and reaps the leader
func (r *ProcessRunner) stopGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	_ = killGroup(pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(r.cfg.KillGrace):
		r.logger.Warn("Process group ignored SIGTERM, killing", logging.Fields{"pid": pid})
		_ = killGroup(pid, syscall.SIGKILL)
		<-done
	}
	_ = killGroup(pid, syscall.SIGKILL)
}

func (r *ProcessRunner) contextError(parent context.Context, req Request, output string) error {
	if err := parent.Err(); err != nil {
		return &RunError{Reason: ExitReasonSignal, Message: "run cancelled", Output: output, Err: err}
	}
	return timeoutError(req.Deadline, output)
}

func killGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// writeController stores the serialized controller in a private temp file
func writeController(dir string, controller []byte) (string, func(), error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp(dir, "controller-*.bin")
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.Write(controller); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return abs, cleanup, nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	return b.buf
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
