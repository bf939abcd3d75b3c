package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for assistant integration.
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server",
	Long: `Start an MCP server over stdio that lets an assistant see the vault state
and lock it. No tool ever returns record contents.

Available tools:
  - vault_status: set up, locked or awaiting recovery, plus the session state
  - vault_lock:   lock the vault now

Authentication:
  Set SECUREVAULT_PASSWORD to start with the vault unlocked. The variable is
  read once and immediately cleared from the environment. Without it the
  vault stays locked and record counts are never reported.

Policy:
  Create mcp-policy.yaml (mode 0600) in the vault directory to deny tools or
  to allow record counts in vault_status.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd)
	},
}

func runMCPServer(cmd *cobra.Command) error {
	if pw, ok := os.LookupEnv(envPassword); ok {
		os.Unsetenv(envPassword)
		if err := v.Unlock(cmd.Context(), pw); err != nil {
			return fail("unlock", err)
		}
	}

	server, err := mcp.NewServer(v, &mcp.ServerOptions{
		VaultPath: cfg.VaultPath,
		Logger:    &logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

