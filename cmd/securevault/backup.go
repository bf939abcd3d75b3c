package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/pkg/backup"
)

var (
	backupOutput         string
	backupStdout         bool
	backupForce          bool
	backupBackupPassword bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupRawCmd)
	backupCmd.AddCommand(backupExportCmd)

	for _, c := range []*cobra.Command{backupRawCmd, backupExportCmd} {
		c.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path (default: timestamped name in the current directory)")
		c.Flags().BoolVar(&backupStdout, "stdout", false, "Write the backup to stdout (for piping)")
		c.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite an existing file")
	}
	backupExportCmd.Flags().BoolVar(&backupBackupPassword, "backup-password", false, "Protect the backup with a separate password")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the vault",
	Long: `Back up the vault in one of two formats.

  raw     byte copy of the encrypted database; restore it with the vault
          password that was current when it was taken
  export  structured backup of every record, sealed with a backup password

Examples:
  securevault backup raw
  securevault backup export -o documents.vaultbackup --backup-password
  securevault backup raw --stdout | gpg --encrypt > vault.gpg`,
}

var backupRawCmd = &cobra.Command{
	Use:   "raw",
	Short: "Copy the encrypted database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, path, commit, err := openBackupOutput(cmd, backup.FormatRaw)
		if err != nil {
			return err
		}
		n, err := v.BackupRaw(cmd.Context(), w)
		if err := commit(err); err != nil {
			return fail("backup", err)
		}
		if path != "" {
			successColor.Fprintf(cmd.OutOrStdout(), "Raw backup written to %s (%s)\n", path, humanize.Bytes(uint64(n)))
		}
		return nil
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a structured backup of every record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		master, err := ensureUnlocked(cmd)
		if err != nil {
			return err
		}
		defer v.Lock()

		password, err := backupPassword(cmd, master, backupBackupPassword)
		if err != nil {
			return err
		}

		w, path, commit, err := openBackupOutput(cmd, backup.FormatStructured)
		if err != nil {
			return err
		}
		cw := &countingWriter{w: w}
		header, err := v.ExportEncrypted(cmd.Context(), cw, password)
		if err := commit(err); err != nil {
			return fail("export", err)
		}
		if path != "" {
			out := cmd.OutOrStdout()
			successColor.Fprintf(out, "Structured backup written to %s (%s)\n", path, humanize.Bytes(uint64(cw.n)))
			fmt.Fprintf(out, "  %d records, created %s\n", header.RecordCount, header.CreatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

// backupPassword picks the password that seals a structured backup.
func backupPassword(cmd *cobra.Command, master string, separate bool) (string, error) {
	if pw, ok := os.LookupEnv(envBackupPassword); ok {
		return pw, nil
	}
	if !separate && master != "" {
		return master, nil
	}
	pw, err := readNewPassword(cmd, "Enter backup password: ", envBackupPassword)
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", errors.New("backup password cannot be empty")
	}
	return pw, nil
}

// openBackupOutput resolves the backup destination. commit must be called
// with the write error; it closes the file and removes it on failure.
func openBackupOutput(cmd *cobra.Command, f backup.Format) (io.Writer, string, func(error) error, error) {
	if backupStdout {
		if backupOutput != "" {
			return nil, "", nil, errors.New("--output and --stdout are mutually exclusive")
		}
		return cmd.OutOrStdout(), "", func(err error) error { return err }, nil
	}

	path := backupOutput
	if path == "" {
		path = backup.FileName(f, time.Now())
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if backupForce {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, "", nil, fmt.Errorf("output file already exists: %s (use --force to overwrite)", path)
		}
		return nil, "", nil, fmt.Errorf("failed to create output file: %w", err)
	}

	commit := func(err error) error {
		if err == nil {
			err = file.Sync()
		}
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
		return err
	}
	return file, path, commit, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
