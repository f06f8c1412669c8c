package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/ledger"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show the run ledger",
	Long: `List recorded tiling runs, newest first, or show one run in full.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRuns,
}

var (
	runsOneline bool
	runsLimit   int
)

func init() {
	runsCmd.Flags().BoolVar(&runsOneline, "oneline", false, "Show each run on a single line")
	runsCmd.Flags().IntVarP(&runsLimit, "n", "n", 0, "Limit the number of runs to show")
}

func runRuns(cmd *cobra.Command, args []string) {
	c := initProjectContext()
	defer c.Close()
	c.openLedger()

	var runs []*ledger.Run
	if len(args) == 1 {
		run, err := c.Ledger.Get(args[0])
		if err != nil {
			exitError("failed to read run: %v", err)
		}
		if run == nil {
			exitError("unknown run %s", args[0])
		}
		runs = append(runs, run)
	} else {
		var err error
		runs, err = c.Ledger.List(runsLimit)
		if err != nil {
			exitError("failed to get run ledger: %v", err)
		}
	}

	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, run := range runs {
		status := statusColor(run.Status)
		if runsOneline {
			yellow.Printf("%s ", shortID(run.ID))
			status.Printf("%-9s ", run.Status)
			fmt.Printf("%-6s %d samples, %d written\n", run.Variant, run.Samples, run.Written)
			continue
		}

		yellow.Printf("run %s ", run.ID)
		status.Printf("(%s)\n", run.Status)
		fmt.Printf("Variant:  %s\n", run.Variant)
		fmt.Printf("Store:    %s\n", run.StorePath)
		fmt.Printf("Started:  %s\n", run.StartedAt.Local().Format("Mon Jan 2 15:04:05 2006"))
		if !run.FinishedAt.IsZero() {
			fmt.Printf("Took:     %s\n", run.FinishedAt.Sub(run.StartedAt).Round(1e6))
		}
		fmt.Printf("Inputs:   %d rasters\n", run.Inputs)
		fmt.Printf("Windows:  %d read, %d samples, %d written", run.Candidates, run.Samples, run.Written)
		if run.Buffered > 0 {
			fmt.Printf(", %d discarded", run.Buffered)
		}
		fmt.Println()
		if run.Error != "" {
			fmt.Printf("Stage:    %s\n", run.Stage)
			fmt.Printf("\n    %s\n", run.Error)
		}
		fmt.Println()
	}
}

func statusColor(s ledger.Status) *color.Color {
	switch s {
	case ledger.StatusSucceeded:
		return color.New(color.FgGreen)
	case ledger.StatusFailed:
		return color.New(color.FgRed)
	}
	return color.New(color.FgCyan)
}
