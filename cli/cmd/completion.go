package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(safesphere completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  safesphere completion bash > /etc/bash_completion.d/safesphere
  # macOS:
  $ safesphere completion bash >  $ (brew --prefix)/etc/bash_completion.d/safesphere

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ safesphere completion zsh > "${fpath[1]}/_safesphere"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  safesphere completion fish | source

  # To load completions for each session, execute once:
   $  safesphere completion fish > ~/.config/fish/completions/safesphere.fish

PowerShell:
  PS> safesphere completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> safesphere completion powershell > safesphere.ps1
  PS> . safesphere.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletionV2(os.Stdout, true)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
	return fmt.Errorf("unsupported shell: %s", args[0])
}
