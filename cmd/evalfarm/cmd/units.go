package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/evalfarm/pkg/client"
	"github.com/psantana5/evalfarm/pkg/models"
)

var (
	unitsGeneration int
	unitsTrial      float64
	unitsAlgo       string
	unitsStatus     string
	unitsHostname   string
	unitsLimit      int
)

// unitsCmd represents the units command
var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Inspect and requeue evaluation units",
	Long:  `Commands for inspecting evaluation units through the coordinator's operator API.`,
}

var unitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List units in claim order",
	Args:  cobra.NoArgs,
	RunE:  runUnitsList(false),
}

var unitsBestCmd = &cobra.Command{
	Use:   "best",
	Short: "List scored units, best fitness first",
	Args:  cobra.NoArgs,
	RunE:  runUnitsList(true),
}

var unitsDescribeCmd = &cobra.Command{
	Use:   "describe <unit-id>",
	Short: "Show one unit with its per-track results",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnitsDescribe,
}

var unitsRequeueCmd = &cobra.Command{
	Use:   "requeue <unit-id>",
	Short: "Put a finished or failed unit back into the queue",
	Long: `Resets a unit to pending with its attempts cleared so a worker evaluates it
again. Requires the operator token in EVALFARM_API_TOKEN.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnitsRequeue,
}

var unitsSummaryCmd = &cobra.Command{
	Use:   "summary <generation>",
	Short: "Count the units of a generation by status",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnitsSummary,
}

func init() {
	rootCmd.AddCommand(unitsCmd)
	unitsCmd.AddCommand(unitsListCmd)
	unitsCmd.AddCommand(unitsBestCmd)
	unitsCmd.AddCommand(unitsDescribeCmd)
	unitsCmd.AddCommand(unitsRequeueCmd)
	unitsCmd.AddCommand(unitsSummaryCmd)

	for _, c := range []*cobra.Command{unitsListCmd, unitsBestCmd} {
		c.Flags().IntVarP(&unitsGeneration, "generation", "g", -1, "filter by generation")
		c.Flags().Float64Var(&unitsTrial, "trial", 0, "filter by trial")
		c.Flags().StringVar(&unitsAlgo, "algo", "", "filter by algorithm tag")
		c.Flags().StringVar(&unitsHostname, "hostname", "", "filter by claiming worker")
		c.Flags().IntVarP(&unitsLimit, "limit", "n", 0, "show at most n units")
	}
	unitsListCmd.Flags().StringVar(&unitsStatus, "status", "", "filter by status: pending, in_progress, failed, finished, permanently_failed")
	unitsSummaryCmd.Flags().Float64Var(&unitsTrial, "trial", 0, "trial (default 1)")
	unitsSummaryCmd.Flags().StringVar(&unitsAlgo, "algo", "", "algorithm tag")
}

func runUnitsList(best bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient()
		if err != nil {
			return err
		}
		q := client.ListQuery{
			Trial:    unitsTrial,
			Algo:     unitsAlgo,
			Hostname: unitsHostname,
			Limit:    unitsLimit,
		}
		if unitsGeneration >= 0 {
			q.Generation = &unitsGeneration
		}
		if best {
			q.Best = true
			q.Status = models.UnitStatusFinished
		} else {
			q.Status = models.UnitStatus(unitsStatus)
		}

		result, err := c.ListUnits(cmd.Context(), q)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return printJSON(result)
		}
		if len(result.Units) == 0 {
			fmt.Println("No units found")
			return nil
		}
		if err := renderUnits(os.Stdout, result.Units); err != nil {
			return err
		}
		fmt.Printf("\nTotal units: %d\n", result.Count)
		return nil
	}
}

func runUnitsDescribe(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	unit, err := c.GetUnit(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	unit.SerializedController = nil

	if IsJSONOutput() {
		return printJSON(unit)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Unit ID", unit.ID})
	table.Append([]string{"Generation", strconv.Itoa(unit.Generation)})
	table.Append([]string{"Trial", formatFloat(unit.Trial)})
	table.Append([]string{"Individual", strconv.Itoa(unit.IndividualNum)})
	table.Append([]string{"Genome", strconv.FormatInt(unit.GenomeKey, 10)})
	table.Append([]string{"Species", strconv.Itoa(unit.SpeciesID)})
	table.Append([]string{"Algo", unit.Algo})
	table.Append([]string{"Status", string(unit.Status())})
	table.Append([]string{"Hostname", unit.Hostname})
	table.Append([]string{"Attempts", strconv.Itoa(unit.Attempts)})
	table.Append([]string{"Failures", fmt.Sprintf("%d (%d low frame rate)", unit.Failures, unit.LowFrameRateFailures)})
	if unit.Error != "" {
		table.Append([]string{"Error", unit.Error})
	}
	table.Append([]string{"Frame Rate", formatFloat(unit.FrameRate)})
	if unit.Fitness != nil {
		table.Append([]string{"Fitness", formatFloat(*unit.Fitness)})
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(unit.Results) == 0 {
		return nil
	}
	fmt.Println()
	tracks := tablewriter.NewWriter(os.Stdout)
	tracks.Header("Track", "Target", "Completion", "Time", "Runtime", "Bonus", "Frame Rate", "Autopsy")
	for i, r := range unit.Results {
		var track, target string
		if i < len(unit.Tracks) {
			track = unit.Tracks[i]
		}
		if i < len(unit.TargetTimes) {
			target = formatFloat(unit.TargetTimes[i])
		}
		tracks.Append([]string{
			track,
			target,
			formatFloat(r.Completion),
			formatFloat(r.Time),
			formatFloat(r.Runtime),
			formatFloat(r.Bonus),
			formatFloat(r.FrameRate),
			string(r.Autopsy),
		})
	}
	return tracks.Render()
}

func runUnitsRequeue(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	unit, err := c.Requeue(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(unit)
	}
	fmt.Printf("Unit %s requeued (generation %d, individual %d)\n", unit.ID, unit.Generation, unit.IndividualNum)
	return nil
}

func runUnitsSummary(cmd *cobra.Command, args []string) error {
	generation, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid generation %q", args[0])
	}
	c, err := operatorClient()
	if err != nil {
		return err
	}
	summary, err := c.GenerationSummary(cmd.Context(), generation, unitsTrial, unitsAlgo)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(summary)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Status", "Units")
	for _, status := range []models.UnitStatus{
		models.UnitStatusPending,
		models.UnitStatusInProgress,
		models.UnitStatusFailed,
		models.UnitStatusFinished,
		models.UnitStatusPermanentlyFailed,
	} {
		table.Append([]string{string(status), strconv.Itoa(summary.Counts[status])})
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("\nGeneration %d, trial %s, algo %s, active workers: %d\n",
		summary.Generation, formatFloat(summary.Trial), summary.Algo, len(summary.Workers))
	return nil
}

func renderUnits(w io.Writer, units []*models.EvaluationUnit) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Gen", "Ind", "Genome", "Status", "Host", "Attempts", "Fitness", "Error")
	for _, u := range units {
		fitness := "-"
		if u.Fitness != nil {
			fitness = formatFloat(*u.Fitness)
		}
		table.Append([]string{
			u.ID,
			strconv.Itoa(u.Generation),
			strconv.Itoa(u.IndividualNum),
			strconv.FormatInt(u.GenomeKey, 10),
			string(u.Status()),
			u.Hostname,
			strconv.Itoa(u.Attempts),
			fitness,
			u.Error,
		})
	}
	return table.Render()
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
