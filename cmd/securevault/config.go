package main

import (
	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/internal/config"
)

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing config file")
}

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Manage the vault configuration",
	Annotations: map[string]string{annotationNoVault: "true"},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write config.yaml with the default settings",
	Long: `Write config.yaml with the default settings to the vault directory.

Argon2id costs only apply to vaults set up after the change; an existing
vault keeps the costs it was created with.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault(config.ResolveVaultPath(vaultFlag), configForce)
		if err != nil {
			return err
		}
		successColor.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
		return nil
	},
}
