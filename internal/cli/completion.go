package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "completion [bash|zsh|fish]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion script for hsipatch.

To load completions:

Bash:
  $ source <(hsipatch completion bash)
  # Or add to ~/.bashrc:
  $ echo 'source <(hsipatch completion bash)' >> ~/.bashrc

Zsh:
  $ source <(hsipatch completion zsh)
  # Or add to ~/.zshrc:
  $ echo 'source <(hsipatch completion zsh)' >> ~/.zshrc

Fish:
  $ hsipatch completion fish | source
  # Or add to config:
  $ hsipatch completion fish > ~/.config/fish/completions/hsipatch.fish
`,
		ValidArgs:             []string{"bash", "zsh", "fish"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		DisableFlagsInUseLine: true,
		Run: func(cmd *cobra.Command, args []string) {
			var err error
			switch args[0] {
			case "bash":
				err = rootCmd.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				err = rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				err = rootCmd.GenFishCompletion(os.Stdout, true)
			}
			if err != nil {
				exitError("%v", err)
			}
		},
	})
}
