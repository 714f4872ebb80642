package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/evalfarm/pkg/coordinator"
	"github.com/psantana5/evalfarm/pkg/fitness"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
)

var (
	replayController string
	replayUnit       string
	replayTracks     []string
	replayInstance   int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one controller through the track runner and score it",
	Long: `Runs a serialized controller on the configured tracks with the same runner and
deadlines a worker uses, then scores each run with the fitness function. The
controller comes from --controller (a file) or --unit (read from the store).
Nothing is written back.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayController, "controller", "", "path to a serialized controller")
	replayCmd.Flags().StringVar(&replayUnit, "unit", "", "unit id whose controller to replay")
	replayCmd.Flags().StringSliceVar(&replayTracks, "tracks", nil, "track ids to run (default all configured tracks)")
	replayCmd.Flags().IntVar(&replayInstance, "instance", 0, "instance number used for port selection")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if (replayController == "") == (replayUnit == "") {
		return withExitCode(exitBadArgs, fmt.Errorf("exactly one of --controller or --unit is required"))
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireTracks(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, "replay", "")
	if err != nil {
		return err
	}
	defer logger.Close()

	tracks := cfg.Tracks
	if len(replayTracks) > 0 {
		tracks = tracks[:0:0]
		for _, id := range replayTracks {
			t, ok := cfg.Track(id)
			if !ok {
				return withExitCode(exitBadArgs, fmt.Errorf("unknown track %q", id))
			}
			tracks = append(tracks, t)
		}
	}

	controller, err := loadController(cmd, cfg.StoreConfig())
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg, replayInstance, logger)
	if err != nil {
		return withExitCode(exitBadArgs, err)
	}
	if closer, ok := runner.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	unit := &models.EvaluationUnit{
		ID:          "replay",
		Tracks:      models.TrackIDs(tracks),
		TargetTimes: models.TargetTimes(tracks),
		Results:     make([]models.TrackResult, len(tracks)),
	}
	margin := cfg.WorkerConfig(replayInstance).StartupMargin
	failures := make([]string, len(tracks))

	for i, track := range tracks {
		logger.Info("Replaying track", logging.Fields{"track": track.ID, "index": i})
		res, err := runner.RunTrack(cmd.Context(), trackrunner.Request{
			UnitID:     unit.ID,
			Hostname:   "replay",
			Controller: controller,
			Track:      track,
			TrackIndex: i,
			Deadline:   margin + time.Duration(track.TargetTime*float64(time.Second)),
		})
		if err != nil {
			failures[i] = string(trackrunner.ReasonOf(err))
			logger.Warn("Track run failed", logging.Fields{"track": track.ID, "error": err.Error()})
			continue
		}
		unit.Results[i] = *res
	}

	scores := fitness.Many(fitness.Score, coordinator.FitnessInputs(unit), cfg.Fitness)
	if IsJSONOutput() {
		return printJSON(map[string]interface{}{
			"tracks":  unit.Tracks,
			"results": unit.Results,
			"fitness": scores,
			"total":   fitness.Sum(scores),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Track", "Target", "Completion", "Time", "Runtime", "Frame Rate", "Fitness", "Failure")
	for i, r := range unit.Results {
		table.Append([]string{
			unit.Tracks[i],
			formatFloat(unit.TargetTimes[i]),
			formatFloat(r.Completion),
			formatFloat(r.Time),
			formatFloat(r.Runtime),
			formatFloat(r.FrameRate),
			formatFloat(scores[i]),
			failures[i],
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal fitness: %s over %d tracks\n", formatFloat(fitness.Sum(scores)), len(tracks))
	return nil
}

func loadController(cmd *cobra.Command, sc store.Config) ([]byte, error) {
	if replayController != "" {
		data, err := os.ReadFile(replayController)
		if err != nil {
			return nil, fmt.Errorf("failed to read controller: %w", err)
		}
		return data, nil
	}

	s, err := store.NewStore(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	unit, err := s.GetUnit(cmd.Context(), replayUnit)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit %s: %w", replayUnit, err)
	}
	return unit.SerializedController, nil
}
