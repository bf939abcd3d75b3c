package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(shellCmd)
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Work with the vault interactively",
	Long: `Start an interactive session. The vault stays unlocked between commands
and locks itself after the configured period without input.

Type 'help' for the list of commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := v.Initialized()
		if err != nil {
			return fail("shell", err)
		}
		if !ok {
			return errors.New("no vault has been set up yet; run 'securevault init' first")
		}
		if _, err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer v.Lock()
		return runShell(cmd)
	},
}

const shellHelp = `Commands:
  add <kind> <field=value>...   store a new document
  list [kind]                   list documents
  delete <kind> <id>            delete a document
  status                        show the vault state
  lock                          lock the vault now
  unlock                        unlock the vault
  background | foreground       pause or resume the session
  help                          show this help
  exit                          leave the shell`

func runShell(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	for {
		fmt.Fprint(out, "securevault> ")
		line, err := readLine(cmd)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		v.OnUserInteraction()

		quit, err := shellCommand(cmd, args)
		if err != nil {
			errorColor.Fprintf(errOut, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// shellCommand runs one shell line and reports whether the shell should
// exit.
func shellCommand(cmd *cobra.Command, args []string) (bool, error) {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "exit", "quit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(out, shellHelp)
	case "status":
		return false, statusCmd.RunE(cmd, nil)
	case "lock":
		v.Lock()
		fmt.Fprintln(out, "Vault locked.")
	case "unlock":
		if _, err := ensureUnlocked(cmd); err != nil {
			return false, err
		}
		successColor.Fprintln(out, "Vault unlocked.")
	case "background":
		v.OnBackground()
	case "foreground":
		v.OnForeground()
		if v.IsLocked() {
			fmt.Fprintln(out, "Vault is locked. Type 'unlock' to continue.")
		}
	case "add":
		if len(args) < 3 {
			return false, errors.New("usage: add <kind> <field=value>...")
		}
		if err := shellUnlocked(cmd); err != nil {
			return false, err
		}
		return false, addRecord(cmd, args[1], args[2:])
	case "list":
		if len(args) > 2 {
			return false, errors.New("usage: list [kind]")
		}
		if err := shellUnlocked(cmd); err != nil {
			return false, err
		}
		return false, listRecords(cmd, args[1:], false)
	case "delete":
		if len(args) != 3 {
			return false, errors.New("usage: delete <kind> <id>")
		}
		if err := shellUnlocked(cmd); err != nil {
			return false, err
		}
		return false, deleteRecord(cmd, args[1], args[2])
	default:
		return false, fmt.Errorf("unknown command %q, type 'help'", args[0])
	}
	return false, nil
}

// shellUnlocked prompts for the password when the session has locked.
func shellUnlocked(cmd *cobra.Command) error {
	if !v.IsLocked() {
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Vault is locked.")
	_, err := ensureUnlocked(cmd)
	return err
}
