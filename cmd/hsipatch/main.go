// Command hsipatch tiles hyperspectral rasters into a patch store.
package main

import (
	"os"

	"github.com/kilupskalvis/hsipatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
