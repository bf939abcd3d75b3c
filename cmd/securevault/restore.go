package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/pkg/backup"
	"github.com/forest6511/securevault/pkg/record"
)

var (
	restoreVerifyOnly     bool
	restoreForce          bool
	restoreBackupPassword bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.AddCommand(restoreRawCmd)
	restoreCmd.AddCommand(restoreImportCmd)

	for _, c := range []*cobra.Command{restoreCmd, restoreRawCmd, restoreImportCmd} {
		c.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip the confirmation prompt")
	}
	for _, c := range []*cobra.Command{restoreCmd, restoreImportCmd} {
		c.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify a structured backup")
		c.Flags().BoolVar(&restoreBackupPassword, "backup-password", false, "The backup uses a separate password")
	}
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore the vault from a backup",
	Long: `Restore the vault from a backup. The format is detected from the file.

A raw backup replaces the whole database; the password that opens it becomes
the vault password. A structured backup replaces every record in the
unlocked vault.

Examples:
  securevault restore securevault_backup_20240131_235959.db
  securevault restore documents.vaultbackup --verify-only
  securevault restore import documents.vaultbackup --backup-password`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := detectFile(args[0])
		if err != nil {
			return err
		}
		switch f {
		case backup.FormatRaw:
			if restoreVerifyOnly {
				return errors.New("--verify-only applies to structured backups")
			}
			return restoreRaw(cmd, args[0])
		case backup.FormatStructured:
			return restoreImport(cmd, args[0])
		default:
			return fmt.Errorf("%s is not a securevault backup", args[0])
		}
	},
}

var restoreRawCmd = &cobra.Command{
	Use:   "raw <backup-file>",
	Short: "Replace the database with a raw backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return restoreRaw(cmd, args[0])
	},
}

var restoreImportCmd = &cobra.Command{
	Use:   "import <backup-file>",
	Short: "Replace every record with a structured backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return restoreImport(cmd, args[0])
	},
}

func detectFile(path string) (backup.Format, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return backup.FormatUnknown, fmt.Errorf("backup file not found: %s", path)
		}
		return backup.FormatUnknown, err
	}
	defer file.Close()
	prefix := make([]byte, 16)
	n, err := io.ReadFull(file, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return backup.FormatUnknown, err
	}
	return backup.DetectFormat(prefix[:n]), nil
}

func restoreRaw(cmd *cobra.Command, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer file.Close()

	if !restoreForce && !confirm(cmd, "This replaces the whole vault with the backup. Continue?") {
		fmt.Fprintln(cmd.OutOrStdout(), "Restore cancelled.")
		return nil
	}
	pw, err := readPassword(cmd, "Enter the password for this backup: ", envPassword)
	if err != nil {
		return err
	}
	counts, err := v.RestoreRaw(cmd.Context(), pw, file)
	if err != nil {
		return fail("restore", err)
	}
	v.Lock()

	out := cmd.OutOrStdout()
	successColor.Fprintln(out, "Raw backup restored.")
	printCounts(out, counts)
	return nil
}

func restoreImport(cmd *cobra.Command, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer file.Close()

	if restoreVerifyOnly {
		pw, err := readPassword(cmd, "Enter backup password: ", envBackupPassword)
		if err != nil {
			return err
		}
		return printVerify(cmd, v.VerifyEncrypted(file, pw))
	}

	master, err := ensureUnlocked(cmd)
	if err != nil {
		return err
	}
	defer v.Lock()

	pw := master
	if env, ok := os.LookupEnv(envBackupPassword); ok {
		pw = env
	} else if restoreBackupPassword || master == "" {
		if pw, err = readPassword(cmd, "Enter backup password: ", ""); err != nil {
			return err
		}
	}

	if !restoreForce && !confirm(cmd, "This replaces every record in the vault. Continue?") {
		fmt.Fprintln(cmd.OutOrStdout(), "Restore cancelled.")
		return nil
	}
	counts, err := v.ImportEncrypted(cmd.Context(), file, pw)
	if err != nil {
		return fail("import", err)
	}

	out := cmd.OutOrStdout()
	successColor.Fprintln(out, "Structured backup imported.")
	printCounts(out, counts)
	return nil
}

func printVerify(cmd *cobra.Command, res *backup.VerifyResult) error {
	if !res.Valid {
		return fail("verify", res.Err)
	}
	out := cmd.OutOrStdout()
	successColor.Fprintln(out, "Backup verification successful.")
	fmt.Fprintf(out, "  Version: %d\n", res.Version)
	fmt.Fprintf(out, "  Created: %s\n", res.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "  Records: %d\n", res.RecordCount)
	counts := make(map[record.Kind]int, len(res.Counts))
	for k, n := range res.Counts {
		counts[record.Kind(k)] = n
	}
	printCounts(out, counts)
	return nil
}
