package trackrunner

import (
	"fmt"
	"syscall"
)

// ExitReason describes why a track run terminated
type ExitReason string

const (
	ExitReasonSuccess     ExitReason = "success"      // Exit code 0
	ExitReasonEvalFailure ExitReason = "eval_failure" // Bot exit code 1
	ExitReasonBadArgs     ExitReason = "bad_args"     // Bot exit code 2
	ExitReasonError       ExitReason = "error"        // Any other non-zero exit
	ExitReasonSignal      ExitReason = "signal"       // Killed by signal
	ExitReasonTimeout     ExitReason = "timeout"      // Deadline exceeded
	ExitReasonOOM         ExitReason = "oom"          // Out of memory killed
	ExitReasonNoResult    ExitReason = "no_result"    // Clean exit without a result line
	ExitReasonStartFailed ExitReason = "start_failed" // Process or container never started
	ExitReasonUnknown     ExitReason = "unknown"
)

// Bot client exit codes
const (
	ExitCodeOK          = 0
	ExitCodeEvalFailure = 1
	ExitCodeBadArgs     = 2
)

// DetermineExitReason analyzes a bot process exit
func DetermineExitReason(exitCode int, waitStatus syscall.WaitStatus) ExitReason {
	if waitStatus.Exited() {
		return exitCodeReason(exitCode)
	}

	if waitStatus.Signaled() {
		return ExitReasonSignal
	}

	return ExitReasonUnknown
}

// exitCodeReason maps a plain exit code. Docker reports signal deaths as
// 128+n so 137 lands on OOM, the same guess the kernel OOM killer forces.
func exitCodeReason(exitCode int) ExitReason {
	switch exitCode {
	case ExitCodeOK:
		return ExitReasonSuccess
	case ExitCodeEvalFailure:
		return ExitReasonEvalFailure
	case ExitCodeBadArgs:
		return ExitReasonBadArgs
	case 137:
		return ExitReasonOOM
	case 143:
		return ExitReasonSignal
	}
	return ExitReasonError
}

// SignalName returns human-readable signal name
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}

// IsRetryable reports whether another worker might succeed where this run
// failed. Bad arguments are a configuration problem and fail the same
// everywhere.
func (r ExitReason) IsRetryable() bool {
	return r != ExitReasonSuccess && r != ExitReasonBadArgs
}
