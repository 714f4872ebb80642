// Package fitness turns per-track measurements into scalar scores.
package fitness

import (
	"math"
)

// FramesPerSecond is the simulation rate used to convert frame counts into seconds
const FramesPerSecond = 28.0

// Config tunes the default scoring formula
type Config struct {
	BonusMod              float64 `mapstructure:"bonus_mod" yaml:"bonus_mod"`
	TimeMod               float64 `mapstructure:"time_mod" yaml:"time_mod"`
	EpisodeLength         float64 `mapstructure:"episode_length" yaml:"episode_length"`
	CompletionMod         float64 `mapstructure:"completion_mod" yaml:"completion_mod"`
	CompletionPerFrameMod float64 `mapstructure:"completion_per_frame_mod" yaml:"completion_per_frame_mod"`
	TargetMod             float64 `mapstructure:"target_mod" yaml:"target_mod"`
}

// DefaultConfig returns the weights of the stock formula
func DefaultConfig() Config {
	return Config{
		BonusMod:              1.0,
		TimeMod:               1.5,
		EpisodeLength:         120,
		CompletionMod:         1.3,
		CompletionPerFrameMod: 1.2,
		TargetMod:             1.0,
	}
}

// Input is the raw measurement of one track run
type Input struct {
	Completion            float64
	Bonus                 float64
	Time                  float64 // seconds, <= 0 when the track was not finished
	AvgSpeed              float64
	AvgCompletionPerFrame float64
	TargetTime            float64
}

// Func scores one track run. Implementations must be pure.
type Func func(in Input, cfg Config) float64

// Score is the stock formula. Average speed is accepted but does not
// contribute.
func Score(in Input, cfg Config) float64 {
	perFrame := math.Max(15.0-2.0/math.Max(in.AvgCompletionPerFrame, 0.0001), 0)

	bonus := math.Max(in.Bonus*cfg.BonusMod, 0.0001)
	bonus = math.Max(30.0-20.0/bonus, 0)

	completion := math.Pow(math.Max(in.Completion, 0), cfg.CompletionMod)

	timeBonus := 0.0
	target := 0.0
	if in.Time > 0 {
		timeBonus = math.Pow(math.Max(cfg.EpisodeLength+1-in.Time, 1.0), cfg.TimeMod)
		if in.TargetTime > 0 {
			target = cfg.TargetMod * math.Max(in.TargetTime-in.Time, 0)
		}
	}

	return timeBonus + completion + perFrame + bonus + target
}

// Many scores every track of one individual and returns the per-track values
func Many(fn Func, inputs []Input, cfg Config) []float64 {
	if fn == nil {
		fn = Score
	}
	scores := make([]float64, len(inputs))
	for i, in := range inputs {
		scores[i] = fn(in, cfg)
	}
	return scores
}

// Sum adds per-track scores into the individual's fitness
func Sum(scores []float64) float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return total
}

// Population scores a whole population, one slice of inputs per individual
func Population(fn Func, population [][]Input, cfg Config) [][]float64 {
	out := make([][]float64, len(population))
	for i, inputs := range population {
		out[i] = Many(fn, inputs, cfg)
	}
	return out
}

// FrameTime converts a frame count into seconds of simulated time
func FrameTime(frames int) float64 {
	return float64(frames) / FramesPerSecond
}
