package coordinator

import (
	"math"
	"sort"
	"time"

	"github.com/psantana5/evalfarm/pkg/fitness"
	"github.com/psantana5/evalfarm/pkg/models"
)

// Summary describes one population-wide distribution
type Summary struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	Median float64 `json:"median" yaml:"median"`
	Max    float64 `json:"max" yaml:"max"`
	Min    float64 `json:"min" yaml:"min"`
	SD     float64 `json:"sd" yaml:"sd"`
	N      int     `json:"n" yaml:"n"`
}

// Summarize computes the summary of values. SD is the population standard
// deviation. An empty input yields the zero Summary.
func Summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	sq := 0.0
	for _, v := range sorted {
		sq += (v - mean) * (v - mean)
	}

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Summary{
		Mean:   mean,
		Median: median,
		Max:    sorted[n-1],
		Min:    sorted[0],
		SD:     math.Sqrt(sq / float64(n)),
		N:      n,
	}
}

// TrackStats breaks one track down across the population
type TrackStats struct {
	Track              string  `json:"track" yaml:"track"`
	TargetTime         float64 `json:"target_time" yaml:"target_time"`
	Fitness            Summary `json:"fitness" yaml:"fitness"`
	Bonus              Summary `json:"bonus" yaml:"bonus"`
	Completion         Summary `json:"completion" yaml:"completion"`
	Runtime            Summary `json:"runtime" yaml:"runtime"`
	RuntimeDiff        Summary `json:"runtime_diff" yaml:"runtime_diff"`
	Speed              Summary `json:"speed" yaml:"speed"`
	CompletionPerFrame Summary `json:"completion_per_frame" yaml:"completion_per_frame"`
	Completions        int     `json:"completions" yaml:"completions"`

	// Only set when at least one run finished the track
	Time      *Summary `json:"time,omitempty" yaml:"time,omitempty"`
	FrameTime *Summary `json:"frame_time,omitempty" yaml:"frame_time,omitempty"`
	TimeDiff  *Summary `json:"time_diff,omitempty" yaml:"time_diff,omitempty"`

	Autopsy map[models.Autopsy]int `json:"autopsy" yaml:"autopsy"`
}

// GenerationStats is the per generation summary handed to logging and reports
type GenerationStats struct {
	Generation     int           `json:"generation" yaml:"generation"`
	Trial          float64       `json:"trial" yaml:"trial"`
	PopulationSize int           `json:"population_size" yaml:"population_size"`
	Evaluated      int           `json:"evaluated" yaml:"evaluated"`
	NumSpecies     int           `json:"num_species" yaml:"num_species"`
	NumWorkers     int           `json:"num_workers" yaml:"num_workers"`
	Duration       time.Duration `json:"duration" yaml:"duration"`

	Fitness            Summary  `json:"fitness" yaml:"fitness"`
	CombinedCompletion Summary  `json:"combined_completion" yaml:"combined_completion"`
	FitnessWeight      Summary  `json:"fitness_weight" yaml:"fitness_weight"`
	CombinedTime       *Summary `json:"combined_time,omitempty" yaml:"combined_time,omitempty"`
	TotalCompletions   int      `json:"total_completions" yaml:"total_completions"`

	Tracks []TrackStats `json:"tracks" yaml:"tracks"`

	Tally    Tally `json:"tally" yaml:"tally"`
	DataLoss int   `json:"data_loss" yaml:"data_loss"`
}

// scoredUnit pairs a finished unit with the fitness computed from it
type scoredUnit struct {
	genome       *models.Genome
	unit         *models.EvaluationUnit
	trackFitness []float64
	fitness      float64
}

// computeStats summarises the scored units of one generation
func computeStats(scored []scoredUnit, tracks []models.Track) GenerationStats {
	var stats GenerationStats

	species := make(map[int]bool)
	workers := make(map[string]bool)
	var fit, completion, weight, combinedTime []float64

	for _, s := range scored {
		species[s.genome.SpeciesID] = true
		if s.unit.Hostname != "" {
			workers[s.unit.Hostname] = true
		}
		fit = append(fit, s.fitness)
		completion = append(completion, s.unit.TotalCompletion())

		first := 0.0
		if len(s.trackFitness) > 0 {
			first = s.trackFitness[0]
		}
		weight = append(weight, math.Max(first, 1)/math.Max(s.fitness, 1))

		if s.unit.CompletedAllTracks() {
			stats.TotalCompletions++
			combinedTime = append(combinedTime, s.unit.TotalTime())
		}
	}

	stats.Evaluated = len(scored)
	stats.NumSpecies = len(species)
	stats.NumWorkers = len(workers)
	stats.Fitness = Summarize(fit)
	stats.CombinedCompletion = Summarize(completion)
	stats.FitnessWeight = Summarize(weight)
	if len(combinedTime) > 0 {
		ct := Summarize(combinedTime)
		stats.CombinedTime = &ct
	}

	for i, track := range tracks {
		stats.Tracks = append(stats.Tracks, trackStats(i, track, scored))
	}
	return stats
}

func trackStats(index int, track models.Track, scored []scoredUnit) TrackStats {
	ts := TrackStats{
		Track:      track.ID,
		TargetTime: track.TargetTime,
		Autopsy:    make(map[models.Autopsy]int),
	}

	var fit, bonus, completion, runtime, diff, speed, perFrame []float64
	var times, frameTimes, timeDiffs []float64

	for _, s := range scored {
		if index >= len(s.unit.Results) {
			continue
		}
		r := s.unit.Results[index]

		if index < len(s.trackFitness) {
			fit = append(fit, s.trackFitness[index])
		}
		bonus = append(bonus, r.Bonus)
		completion = append(completion, r.Completion)
		runtime = append(runtime, r.Runtime)
		diff = append(diff, r.Runtime-fitness.FrameTime(r.EndFrame))
		speed = append(speed, r.AvgSpeed)
		perFrame = append(perFrame, r.AvgCompletionPerFrame)

		if r.Completion == 100 {
			ts.Completions++
		}
		if r.Autopsy != "" {
			ts.Autopsy[r.Autopsy]++
		}
		if r.Completed() {
			ft := fitness.FrameTime(r.FrameCount)
			times = append(times, r.Time)
			frameTimes = append(frameTimes, ft)
			timeDiffs = append(timeDiffs, r.Time-ft)
		}
	}

	ts.Fitness = Summarize(fit)
	ts.Bonus = Summarize(bonus)
	ts.Completion = Summarize(completion)
	ts.Runtime = Summarize(runtime)
	ts.RuntimeDiff = Summarize(diff)
	ts.Speed = Summarize(speed)
	ts.CompletionPerFrame = Summarize(perFrame)

	if len(times) > 0 {
		t, f, d := Summarize(times), Summarize(frameTimes), Summarize(timeDiffs)
		ts.Time, ts.FrameTime, ts.TimeDiff = &t, &f, &d
	}
	return ts
}
