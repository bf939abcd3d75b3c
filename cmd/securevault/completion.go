package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/pkg/record"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(securevault completion bash)

  # To load for each session (Linux):
  $ securevault completion bash > ~/.local/share/bash-completion/completions/securevault

Zsh:
  $ securevault completion zsh > ~/.zsh/completions/_securevault

Fish:
  $ securevault completion fish > ~/.config/fish/completions/securevault.fish

PowerShell:
  PS> securevault completion powershell >> $PROFILE

Document kinds are completed for the record commands. Record ids are never
completed since that would need the vault password.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Annotations:           map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// completeKinds completes the first argument with document kinds.
func completeKinds(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var kinds []string
	for _, k := range record.Kinds {
		if strings.HasPrefix(string(k), toComplete) {
			kinds = append(kinds, string(k))
		}
	}
	return kinds, cobra.ShellCompDirectiveNoFileComp
}
