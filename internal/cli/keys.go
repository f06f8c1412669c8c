package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/export"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

var keysCmd = &cobra.Command{
	Use:   "keys [store]",
	Short: "Export the keys of a patch store to CSV",
	Long: `Write every key of a patch store as a one-column CSV file, or to stdout
when no output file is given.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runKeys,
}

var (
	keysOutput string
	keysColumn string
	keysPrefix string
)

func init() {
	keysCmd.Flags().StringVarP(&keysOutput, "output", "o", "", "Output CSV file (default: stdout)")
	keysCmd.Flags().StringVar(&keysColumn, "column", "", "Header of the key column (default from config)")
	keysCmd.Flags().StringVar(&keysPrefix, "prefix", "", "Only export keys with this prefix")
}

func runKeys(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	var path string
	if len(args) > 0 {
		path = args[0]
	}
	c.openStore(path, store.Options{ReadOnly: true})

	all, err := c.Store.Keys()
	if err != nil {
		exitError("failed to list keys: %v", err)
	}
	keys := all[:0]
	for _, k := range all {
		if strings.HasPrefix(k, keysPrefix) {
			keys = append(keys, k)
		}
	}

	column := c.Config.Export.Column
	if keysColumn != "" {
		column = keysColumn
	}
	if keysOutput == "" {
		if err := export.WriteColumn(os.Stdout, column, keys); err != nil {
			exitError("%v", err)
		}
		return
	}
	if err := export.WriteColumnFile(keysOutput, column, keys); err != nil {
		exitError("%v", err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d keys to %s\n", len(keys), keysOutput)
}
