package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/pkg/kdf"
)

func init() {
	rootCmd.AddCommand(passwdCmd)
}

// passwdCmd changes the vault password.
var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault password",
	Long: `Change the vault password by re-encrypting every record under the new
password.

This operation:
  1. Verifies the current password
  2. Re-encrypts the database into a temporary copy and checks it
  3. Swaps the copy in place of the old database
  4. Saves the new password record

If anything fails before step 3 the vault is unchanged. If step 4 fails the
data already uses the new password; run 'securevault recover' with it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := readPassword(cmd, "Enter current password: ", envPassword)
		if err != nil {
			return err
		}
		next, err := readNewPassword(cmd, "Enter new password: ", envNewPassword)
		if err != nil {
			return err
		}
		if current == next {
			return errors.New("new password must be different from the current password")
		}
		if res := kdf.ValidatePassword(next); !res.Valid {
			return fmt.Errorf("password rejected: %s", res.Problems[0])
		}
		printStrength(cmd, next)

		fmt.Fprintln(cmd.ErrOrStderr(), "Re-encrypting vault...")
		res, err := v.ChangePassword(cmd.Context(), current, next)
		if err != nil {
			return fail("change password", err)
		}
		v.Lock()

		out := cmd.OutOrStdout()
		successColor.Fprintln(out, "Password changed.")
		fmt.Fprintf(out, "  %d records re-encrypted in %s\n", res.Total, res.Duration.Round(time.Millisecond))
		return nil
	},
}
