package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/config"
	"github.com/kilupskalvis/hsipatch/internal/ledger"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new hsipatch project",
	Long: `Initialize a new hsipatch project in the current directory.
This creates a .hsipatch directory holding the configuration, the
patch store and the run ledger.`,
	Run: runInit,
}

func runInit(cmd *cobra.Command, args []string) {
	// Check if already initialized
	if _, err := config.FindRoot(); err == nil {
		exitError("hsipatch project already exists")
	} else if !isNotFound(err) {
		exitError("%v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Initializing hsipatch project...\n")
	cfg, err := config.Initialize(cwd)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	st, err := store.New(cfg.StorePath(), cfg.StoreOptions())
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	defer st.Close()
	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	l, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		exitError("failed to create ledger: %v", err)
	}
	l.Close()

	fmt.Printf("\nInitialized empty hsipatch project in %s/\n", config.Dir)
	fmt.Printf("Patch size %dx%d, stride %dx%d, boundary %s\n",
		cfg.Patch.Height, cfg.Patch.Width, cfg.Patch.StrideHeight, cfg.Patch.StrideWidth, cfg.Patch.Boundary)
	fmt.Printf("\nEdit %s/%s to change the defaults.\n", config.Dir, config.ConfigFile)
}
