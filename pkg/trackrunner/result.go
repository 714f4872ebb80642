package trackrunner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/psantana5/evalfarm/pkg/fitness"
	"github.com/psantana5/evalfarm/pkg/models"
)

// ResultPrefix marks the bot's result line on stdout
const ResultPrefix = "RESULT "

var errNoResultLine = errors.New("no result line in bot output")

// botResult is the JSON object the bot client prints after ResultPrefix
type botResult struct {
	Bonus                 float64 `json:"bonus"`
	Completion            float64 `json:"completion"`
	Time                  float64 `json:"time"`
	Runtime               float64 `json:"runtime"`
	AvgSpeed              float64 `json:"avg_speed"`
	AvgCompletionPerFrame float64 `json:"avg_completion_per_frame"`
	FrameCount            int     `json:"frame_count"`
	EndFrame              int     `json:"end_frame"`
	X                     float64 `json:"x"`
	Y                     float64 `json:"y"`
	FrameRate             float64 `json:"frame_rate"`
	Autopsy               string  `json:"autopsy"`
}

// ParseResult finds the last result line in output and converts it into a
// TrackResult. wallRuntime is used when the bot did not measure its own
// runtime.
func ParseResult(output []byte, wallRuntime float64) (*models.TrackResult, error) {
	var line string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if text := scanner.Text(); strings.HasPrefix(text, ResultPrefix) {
			line = text[len(ResultPrefix):]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan bot output: %w", err)
	}
	if line == "" {
		return nil, errNoResultLine
	}

	var br botResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &br); err != nil {
		return nil, fmt.Errorf("failed to decode result line: %w", err)
	}

	res := &models.TrackResult{
		Bonus:                 br.Bonus,
		Completion:            br.Completion,
		Time:                  br.Time,
		Runtime:               br.Runtime,
		AvgSpeed:              br.AvgSpeed,
		AvgCompletionPerFrame: br.AvgCompletionPerFrame,
		FrameCount:            br.FrameCount,
		EndFrame:              br.EndFrame,
		X:                     br.X,
		Y:                     br.Y,
		FrameRate:             br.FrameRate,
		Autopsy:               models.ParseAutopsy(br.Autopsy),
	}
	if res.Time <= 0 {
		res.Time = -1
	}
	if res.Runtime <= 0 {
		res.Runtime = wallRuntime
	}
	res.Runtime = round3(res.Runtime)
	if res.FrameRate == 0 && res.Runtime > 0 {
		res.FrameRate = float64(res.EndFrame) / res.Runtime
	}
	DeriveTiming(res)
	return res, nil
}

// DeriveTiming fills FrameAdjRuntime and TimeDiff. A finished run compares
// the frame clock with the reported finish time, an unfinished one compares
// it with the wall clock.
func DeriveTiming(res *models.TrackResult) {
	if res.Time > 0 {
		res.FrameAdjRuntime = fitness.FrameTime(res.FrameCount)
		res.TimeDiff = res.FrameAdjRuntime - res.Time
		return
	}
	res.FrameAdjRuntime = fitness.FrameTime(res.EndFrame)
	res.TimeDiff = res.FrameAdjRuntime - res.Runtime
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// tail returns at most the last n bytes of b
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
