package coordinator

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/evalfarm/pkg/models"
)

// WriteSummary renders the generation statistics as tables
func WriteSummary(w io.Writer, stats *GenerationStats) error {
	fmt.Fprintf(w, "\nGeneration %d (trial %g) evaluated in %s\n\n", stats.Generation, stats.Trial, stats.Duration.Round(time.Second))

	overview := tablewriter.NewWriter(w)
	overview.Header("Property", "Value")
	overview.Append([]string{"Num Species", fmt.Sprintf("%d", stats.NumSpecies)})
	overview.Append([]string{"Population Size", fmt.Sprintf("%d", stats.PopulationSize)})
	overview.Append([]string{"Evaluated", fmt.Sprintf("%d", stats.Evaluated)})
	overview.Append([]string{"Num Workers", fmt.Sprintf("%d", stats.NumWorkers)})
	overview.Append([]string{"Total Completions", fmt.Sprintf("%d", stats.TotalCompletions)})
	overview.Append([]string{"Failed", fmt.Sprintf("%d", stats.Tally.Failed)})
	overview.Append([]string{"Timed Out", fmt.Sprintf("%d", stats.Tally.TimedOut)})
	overview.Append([]string{"Low Frame Rate", fmt.Sprintf("%d", stats.Tally.LowFrameRate)})
	overview.Append([]string{"Permanently Failed", fmt.Sprintf("%d", stats.Tally.PermanentlyFailed)})
	overview.Append([]string{"Data Loss", fmt.Sprintf("%d", stats.DataLoss)})
	if err := overview.Render(); err != nil {
		return err
	}

	summaries := tablewriter.NewWriter(w)
	summaries.Header("Metric", "Mean", "Median", "Max", "Min", "SD")
	summaries.Append(summaryRow("Fitness", stats.Fitness))
	summaries.Append(summaryRow("Combined Completion", stats.CombinedCompletion))
	summaries.Append(summaryRow("Fitness Weight", stats.FitnessWeight))
	if stats.CombinedTime != nil {
		summaries.Append(summaryRow("Combined Time", *stats.CombinedTime))
	}
	if err := summaries.Render(); err != nil {
		return err
	}

	for _, ts := range stats.Tracks {
		if err := writeTrack(w, ts); err != nil {
			return err
		}
	}
	return nil
}

func writeTrack(w io.Writer, ts TrackStats) error {
	fmt.Fprintf(w, "\nTrack %s (target %gs), %d completions\n", ts.Track, ts.TargetTime, ts.Completions)

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Mean", "Median", "Max", "Min", "SD")
	table.Append(summaryRow("Fitness", ts.Fitness))
	table.Append(summaryRow("Bonus", ts.Bonus))
	table.Append(summaryRow("Completion", ts.Completion))
	table.Append(summaryRow("Runtime", ts.Runtime))
	table.Append(summaryRow("Runtime Diff", ts.RuntimeDiff))
	table.Append(summaryRow("Speed", ts.Speed))
	table.Append(summaryRow("Completion/Frame", ts.CompletionPerFrame))
	if ts.Time != nil {
		table.Append(summaryRow("Time", *ts.Time))
		table.Append(summaryRow("Frame Time", *ts.FrameTime))
		table.Append(summaryRow("Time Diff", *ts.TimeDiff))
	}
	if err := table.Render(); err != nil {
		return err
	}

	autopsy := tablewriter.NewWriter(w)
	autopsy.Header("Autopsy", "Count")
	for _, a := range models.AllAutopsies {
		if n := ts.Autopsy[a]; n > 0 {
			autopsy.Append([]string{string(a), fmt.Sprintf("%d", n)})
		}
	}
	return autopsy.Render()
}

func summaryRow(name string, s Summary) []string {
	return []string{
		name,
		fmt.Sprintf("%.3f", s.Mean),
		fmt.Sprintf("%.3f", s.Median),
		fmt.Sprintf("%.3f", s.Max),
		fmt.Sprintf("%.3f", s.Min),
		fmt.Sprintf("%.3f", s.SD),
	}
}
