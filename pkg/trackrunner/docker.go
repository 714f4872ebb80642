package trackrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
)

// containerControllerDir is where the controller directory is mounted
const containerControllerDir = "/evalfarm"

// DockerConfig configures a DockerRunner. Command uses the same placeholders
// as ProcessConfig.BotCommand; {controller} resolves to the path inside the
// container.
type DockerConfig struct {
	Image       string
	Command     []string
	Env         []string
	Port        int
	WorkDir     string
	CPULimit    float64
	MemoryLimit int64
	User        string
}

// DockerRunner runs each track in a fresh container that bundles the game
// server and the bot client
type DockerRunner struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *logging.Logger
}

// NewDockerRunner connects to the Docker daemon named by the environment
func NewDockerRunner(cfg DockerConfig, logger *logging.Logger) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker runner requires an image")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRunner{cli: cli, cfg: cfg, logger: logger}, nil
}

// Close releases the Docker client
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// RunTrack runs one track in a container. The container is force-removed on
// every path.
func (r *DockerRunner) RunTrack(ctx context.Context, req Request) (*models.TrackResult, error) {
	if req.Deadline <= 0 {
		return nil, &RunError{Reason: ExitReasonBadArgs, Message: "deadline must be positive"}
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, "evalfarm-run-*")
	if err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Message: "failed to create run directory", Err: err}
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "controller.bin"), req.Controller, 0644); err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Message: "failed to write controller", Err: err}
	}
	hostDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Err: err}
	}

	vars := templateVars(req, r.cfg.Port, containerControllerDir+"/controller.bin")

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   hostDir,
			Target:   containerControllerDir,
			ReadOnly: true,
		}},
	}
	if r.cfg.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(r.cfg.CPULimit * 1e9)
	}
	if r.cfg.MemoryLimit > 0 {
		hostCfg.Memory = r.cfg.MemoryLimit
	}

	containerCfg := &container.Config{
		Image: r.cfg.Image,
		Cmd:   expandArgs(r.cfg.Command, vars),
		Env:   r.cfg.Env,
		Labels: map[string]string{
			"evalfarm":       "true",
			"evalfarm.unit":  req.UnitID,
			"evalfarm.track": req.Track.ID,
		},
	}
	if r.cfg.User != "" {
		containerCfg.User = r.cfg.User
	}

	createResp, err := r.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Message: "creating container", Err: err}
	}
	containerID := createResp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.cli.ContainerRemove(rmCtx, containerID, client.ContainerRemoveOptions{Force: true})
		r.logger.Debug("Container removed", logging.Fields{"container_id": containerID})
	}()

	start := time.Now()
	if _, err := r.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, &RunError{Reason: ExitReasonStartFailed, Message: "starting container", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.Deadline)
	defer cancel()

	waitResult := r.cli.ContainerWait(waitCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	errCh := waitResult.Error
	for {
		select {
		case err := <-errCh:
			if err == nil {
				errCh = nil
				continue
			}
			r.cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			_, stderr := r.logs(containerID, "100")
			output := string(stderr)
			if ctx.Err() != nil {
				return nil, &RunError{Reason: ExitReasonSignal, Message: "run cancelled", Output: output, Err: ctx.Err()}
			}
			if waitCtx.Err() != nil {
				return nil, timeoutError(req.Deadline, output)
			}
			return nil, &RunError{Reason: ExitReasonUnknown, Message: "waiting for container", Output: output, Err: err}

		case status := <-waitResult.Result:
			stdout, stderr := r.logs(containerID, "")
			code := int(status.StatusCode)
			if code != 0 {
				return nil, &RunError{
					Reason:   exitCodeReason(code),
					ExitCode: code,
					Message:  fmt.Sprintf("container exited with code %d", code),
					Output:   tail(stderr, 4096),
				}
			}
			res, err := ParseResult(stdout, time.Since(start).Seconds())
			if err != nil {
				return nil, &RunError{
					Reason:  ExitReasonNoResult,
					Message: "container exited cleanly without a usable result",
					Output:  tail(append(stdout, stderr...), 4096),
					Err:     err,
				}
			}
			return res, nil
		}
	}
}

// logs returns the container's stdout and stderr, split out of Docker's
// multiplexed log stream
func (r *DockerRunner) logs(containerID, tailLines string) (stdout, stderr []byte) {
	logReader, err := r.cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailLines,
	})
	if err != nil || logReader == nil {
		return nil, nil
	}
	defer logReader.Close()
	stdout, stderr, err = demuxLogs(logReader)
	if err != nil {
		r.logger.Debug("Container log stream cut short", logging.Fields{"container_id": containerID, "error": err.Error()})
	}
	return stdout, stderr
}

// demuxLogs splits a multiplexed log stream, keeping the tail of each side.
// Whatever was read before an error is still returned.
func demuxLogs(src io.Reader) (stdout, stderr []byte, err error) {
	outBuf := newTailBuffer(maxCapturedOutput)
	errBuf := newTailBuffer(maxCapturedOutput)
	_, err = stdcopy.StdCopy(outBuf, errBuf, src)
	return outBuf.Bytes(), errBuf.Bytes(), err
}
