package cli

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [store]",
	Short: "Summarize a patch store",
	Long: `Show the entry count, size and metadata of a patch store, and decode
the first few entries to check their shape and value range.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInspect,
}

var inspectSample int

func init() {
	inspectCmd.Flags().IntVarP(&inspectSample, "n", "n", 5, "Number of entries to decode")
}

var errStop = errors.New("stop")

func runInspect(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	var path string
	if len(args) > 0 {
		path = args[0]
	}
	c.openStore(path, store.Options{ReadOnly: true})

	stats, err := c.Store.Stats()
	if err != nil {
		exitError("failed to read store: %v", err)
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	yellow.Printf("store %s\n", c.Store.Path())
	fmt.Printf("  entries: %d\n", stats.Entries)
	fmt.Printf("  size:    %s\n", humanize.IBytes(uint64(stats.Size)))
	metaKeys := make([]string, 0, len(stats.Meta))
	for k := range stats.Meta {
		metaKeys = append(metaKeys, k)
	}
	slices.Sort(metaKeys)
	for _, k := range metaKeys {
		fmt.Printf("  %s: %s\n", k, stats.Meta[k])
	}

	if inspectSample <= 0 || stats.Entries == 0 {
		return
	}
	fmt.Println()
	seen := 0
	err = c.Store.ForEach(func(key string, value []byte) error {
		if seen == inspectSample {
			return errStop
		}
		seen++
		cyan.Print(key)
		if k, err := patch.ParseKey(key); err == nil {
			fmt.Printf("  (%s at x=%d y=%d, %d%% overlap)", k.Source, k.X, k.Y, k.Overlap)
		} else if role, idx, err := patch.ParsePairKey(key); err == nil {
			fmt.Printf("  (%s of pair %d)", role, idx)
		}
		fmt.Println()
		fmt.Printf("    %s\n", describeValue(value))
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		exitError("failed to read entries: %v", err)
	}
}

func describeValue(value []byte) string {
	p, err := patch.Decode(value)
	if err != nil {
		return color.RedString("undecodable: %v", err)
	}
	h, _, _ := patch.DecodeHeader(value)
	x := make([]float64, len(p.Data))
	for i, v := range p.Data {
		x[i] = float64(v)
	}
	var lo, hi float64
	if len(x) > 0 {
		lo, hi = slices.Min(x), slices.Max(x)
	}
	mean, std := stat.MeanStdDev(x, nil)
	return fmt.Sprintf("shape %v source %s compression %s, %s, min %.4g max %.4g mean %.4g std %.4g",
		p.Shape(), p.DType, h.Compression, humanize.IBytes(uint64(len(value))), lo, hi, mean, std)
}
