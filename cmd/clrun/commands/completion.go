package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/xupit3r/clrun/internal/hwinfo"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for clrun.

To load completions:

Bash:
  $ clrun completion bash > ~/.local/share/bash-completion/completions/clrun
  $ source ~/.local/share/bash-completion/completions/clrun

Zsh:
  $ clrun completion zsh > ~/.zsh/completion/_clrun
  $ echo 'fpath=(~/.zsh/completion $fpath)' >> ~/.zshrc
  $ echo 'autoload -Uz compinit && compinit' >> ~/.zshrc

Fish:
  $ clrun completion fish > ~/.config/fish/completions/clrun.fish

PowerShell:
  PS> clrun completion powershell | Out-String | Invoke-Expression
  # To persist, add the output to your PowerShell profile
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
	return nil
}

func backendCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		"hw\tIn-process hardware simulation",
		"aub\tCapture to an AUB file and simulate",
		"tbx\tForward to a TBX server",
		"hw_with_aub\tHardware simulation plus AUB capture",
		"tbx_with_aub\tTBX server plus AUB capture",
	}, cobra.ShellCompDirectiveNoFileComp
}

func generationCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var out []string
	for _, g := range hwinfo.Generations() {
		hw, err := hwinfo.ForGeneration(g)
		if err != nil {
			continue
		}
		out = append(out, string(g)+"\t"+hw.Platform.Name)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// registerFlagCompletions registers value completions for the global flags
func registerFlagCompletions(root *cobra.Command) {
	_ = root.RegisterFlagCompletionFunc("backend", backendCompletions)
	_ = root.RegisterFlagCompletionFunc("gen", generationCompletions)
}
