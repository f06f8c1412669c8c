package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/archive"
)

var extractCmd = &cobra.Command{
	Use:   "extract <dir>",
	Short: "Unpack downloaded archives and collect the spectral images",
	Long: `Extract every .tar.gz and .zip archive under a directory in place,
including archives found inside other archives, and remove each archive
once it has been unpacked. With --collect, files ending in the given
suffix are then copied into one flat directory ready for tiling.`,
	Args: cobra.ExactArgs(1),
	Run:  runExtract,
}

var (
	extractCollect string
	extractSuffix  string
)

func init() {
	extractCmd.Flags().StringVar(&extractCollect, "collect", "", "Copy matching files into this directory")
	extractCmd.Flags().StringVar(&extractSuffix, "suffix", archive.DefaultSuffix, "File name suffix to collect")
}

func runExtract(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	res, err := archive.ExtractTree(args[0], c.Logger)
	if res != nil {
		green.Printf("Extracted %d archives", len(res.Extracted))
		fmt.Printf(" in %d passes\n", res.Passes)
	}
	if err != nil {
		red.Printf("Some archives could not be extracted and were kept:\n")
		fmt.Printf("  %v\n", err)
	}

	if extractCollect != "" {
		copied, cerr := archive.Collect(args[0], extractCollect, extractSuffix)
		if cerr != nil {
			exitError("collect failed: %v", cerr)
		}
		green.Printf("Collected %d files into %s\n", len(copied), extractCollect)
	}
	if err != nil {
		exitError("extraction incomplete")
	}
}
