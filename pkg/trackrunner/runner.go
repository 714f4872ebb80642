// Package trackrunner runs one serialized controller on one track and
// reports the measurements the bot client produced. Every implementation
// enforces the request deadline and leaves no process behind on return.
package trackrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/evalfarm/pkg/models"
)

// ErrDeadlineExceeded is wrapped by a RunError whose run hit its deadline
var ErrDeadlineExceeded = errors.New("track run deadline exceeded")

// Runner executes a single track run
type Runner interface {
	RunTrack(ctx context.Context, req Request) (*models.TrackResult, error)
}

// Request describes one track run
type Request struct {
	UnitID     string
	Hostname   string
	Controller []byte
	Track      models.Track
	TrackIndex int
	// Deadline bounds the whole run including process startup
	Deadline time.Duration
}

// RunError is returned for every failed run
type RunError struct {
	Reason   ExitReason
	ExitCode int
	Message  string
	// Output is the tail of the bot's combined output
	Output string
	Err    error
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "track run failed (%s", e.Reason)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ", exit %d", e.ExitCode)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func timeoutError(deadline time.Duration, output string) *RunError {
	return &RunError{
		Reason:  ExitReasonTimeout,
		Message: fmt.Sprintf("no result within %s", deadline),
		Output:  output,
		Err:     ErrDeadlineExceeded,
	}
}

// ReasonOf extracts the exit reason of a run error, or ExitReasonUnknown
func ReasonOf(err error) ExitReason {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Reason
	}
	return ExitReasonUnknown
}

// expandArgs substitutes the bot protocol placeholders in a command template
func expandArgs(template []string, vars map[string]string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

func templateVars(req Request, port int, controllerPath string) map[string]string {
	return map[string]string{
		"port":        fmt.Sprintf("%d", port),
		"track":       req.Track.ID,
		"track_index": fmt.Sprintf("%d", req.TrackIndex),
		"controller":  controllerPath,
		"deadline":    fmt.Sprintf("%.0f", req.Deadline.Seconds()),
		"target_time": fmt.Sprintf("%g", req.Track.TargetTime),
		"unit":        req.UnitID,
	}
}
