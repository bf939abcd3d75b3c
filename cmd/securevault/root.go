package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/forest6511/securevault/internal/config"
	"github.com/forest6511/securevault/internal/logging"
	"github.com/forest6511/securevault/pkg/kdf"
	"github.com/forest6511/securevault/pkg/record"
	"github.com/forest6511/securevault/pkg/vault"
)

// Environment variables read instead of prompting.
const (
	envPassword       = "SECUREVAULT_PASSWORD"
	envNewPassword    = "SECUREVAULT_NEW_PASSWORD"
	envBackupPassword = "SECUREVAULT_BACKUP_PASSWORD"
)

// annotationNoVault marks commands that run without opening the vault.
const annotationNoVault = "novault"

var (
	vaultFlag string
	verbose   bool

	cfg    *config.Config
	logger zerolog.Logger
	v      *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:   "securevault",
	Short: "securevault keeps identity documents in an encrypted local vault",
	Long: `A single-user vault for identity documents (Aadhaar, PAN, voter ID,
driving licence, bank accounts, cards and insurance policies).

Records are stored in an encrypted database that is only opened after the
vault password has been verified.`,
	SilenceUsage: true,
	// PersistentPreRunE opens the vault for every command that needs it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationNoVault] == "true" || cmd.Name() == cobra.ShellCompRequestCmd {
			return nil
		}
		return openVault(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultFlag, "vault", "", "Vault directory (default $SECUREVAULT_PATH or ~/.securevault)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
}

// execute runs the command tree once with the given arguments and streams.
// The vault is always closed afterwards so the directory lock is released.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	defer closeVault()
	return rootCmd.ExecuteContext(ctx)
}

// resetFlags restores every flag to its default; the command tree is
// package state and may run more than once per process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func openVault(cmd *cobra.Command) error {
	path := config.ResolveVaultPath(vaultFlag)
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if verbose {
		c.Log.Level = "debug"
	}
	l, err := logging.New(logging.Config{Level: c.Log.Level, Format: c.Log.Format}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, logger = c, l

	errOut := cmd.ErrOrStderr()
	v, err = vault.Open(c.VaultPath, vault.Options{
		Params:         c.KDF,
		SessionTimeout: c.Session.Timeout,
		Logger:         &logger,
		OnAutoLock: func() {
			warningColor.Fprintln(errOut, "\nVault locked after inactivity.")
		},
	})
	if err != nil {
		return fail("open vault", err)
	}
	return nil
}

func closeVault() {
	if v == nil {
		return
	}
	if err := v.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close vault")
	}
	v = nil
}

// cliError carries the user-facing reason for a vault failure.
type cliError struct {
	action string
	reason string
	err    error
}

func (e *cliError) Error() string {
	if verbose {
		return fmt.Sprintf("%s: %s (%v)", e.action, e.reason, e.err)
	}
	return e.action + ": " + e.reason
}

func (e *cliError) Unwrap() error { return e.err }

// fail maps err to a message a user can act on.
func fail(action string, err error) error {
	o := vault.Describe(err)
	if o.OK {
		return nil
	}
	if o.Mutated {
		logger.Error().Err(err).Bool("mutated", true).Str("action", action).Msg("operation left the vault partially changed")
	}
	return &cliError{action: action, reason: o.Reason, err: err}
}

var (
	lineReader *bufio.Reader
	lineSource io.Reader
)

// readLine reads one line from the command's input.
func readLine(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if lineReader == nil || lineSource != in {
		lineReader = bufio.NewReader(in)
		lineSource = in
	}
	line, err := lineReader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// inputTerminal returns the terminal file descriptor behind the command's
// input, if there is one.
func inputTerminal(cmd *cobra.Command) (int, bool) {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// readPassword returns the value of env when set, otherwise prompts. Input
// is hidden on a terminal and read as a plain line otherwise.
func readPassword(cmd *cobra.Command, prompt, env string) (string, error) {
	if env != "" {
		if pw, ok := os.LookupEnv(env); ok {
			return pw, nil
		}
	}
	errOut := cmd.ErrOrStderr()
	fmt.Fprint(errOut, prompt)
	if fd, ok := inputTerminal(cmd); ok {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(errOut)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := readLine(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return line, nil
}

// readNewPassword prompts twice unless the password came from env.
func readNewPassword(cmd *cobra.Command, prompt, env string) (string, error) {
	if pw, ok := os.LookupEnv(env); ok {
		return pw, nil
	}
	first, err := readPassword(cmd, prompt, "")
	if err != nil {
		return "", err
	}
	second, err := readPassword(cmd, "Confirm password: ", "")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

// ensureUnlocked unlocks the vault when needed and returns the password
// used, or "" when it was already open.
func ensureUnlocked(cmd *cobra.Command) (string, error) {
	if !v.IsLocked() {
		return "", nil
	}
	pw, err := readPassword(cmd, "Enter vault password: ", envPassword)
	if err != nil {
		return "", err
	}
	if err := v.Unlock(cmd.Context(), pw); err != nil {
		return "", fail("unlock", err)
	}
	return pw, nil
}

// printStrength shows the policy feedback for a new password.
func printStrength(cmd *cobra.Command, password string) {
	res := kdf.ValidatePassword(password)
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Password strength: %s\n", res.Strength)
	for _, w := range res.Warnings {
		warningColor.Fprintf(out, "warning: %s\n", w)
	}
}

func printCounts(w io.Writer, counts map[record.Kind]int) {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-10s %d\n", k, counts[record.Kind(k)])
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readNewPassword(cmd, "Enter new vault password: ", envPassword)
		if err != nil {
			return err
		}
		if res := kdf.ValidatePassword(pw); !res.Valid {
			return fmt.Errorf("password rejected: %s", res.Problems[0])
		}
		printStrength(cmd, pw)

		if err := v.Setup(cmd.Context(), pw); err != nil {
			return fail("init", err)
		}
		successColor.Fprintf(cmd.OutOrStdout(), "Vault initialized at %s\n", v.Path())
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check the vault password and open the encrypted store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer v.Lock()

		counts, err := v.Counts(cmd.Context())
		if err != nil {
			return fail("unlock", err)
		}
		out := cmd.OutOrStdout()
		successColor.Fprintln(out, "Vault unlocked.")
		printCounts(out, counts)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the vault state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := v.Status(cmd.Context())
		if err != nil {
			return fail("status", err)
		}
		out := cmd.OutOrStdout()
		printKeyValue(out, "Vault", st.Path)
		switch {
		case !st.Initialized:
			printKeyValue(out, "State", warningColor.Sprint("not set up"))
		case st.RecoveryRequired:
			printKeyValue(out, "State", errorColor.Sprint("recovery required"))
		case st.Unlocked:
			printKeyValue(out, "State", successColor.Sprint("unlocked"))
		default:
			printKeyValue(out, "State", "locked")
		}
		if st.FailedAttempts > 0 {
			printKeyValue(out, "Failed attempts", fmt.Sprint(st.FailedAttempts))
		}
		if st.Cooldown > 0 {
			printKeyValue(out, "Cooldown", st.Cooldown.Round(time.Second).String())
		}
		if st.SchemaVersion > 0 {
			printKeyValue(out, "Schema version", fmt.Sprint(st.SchemaVersion))
		}
		if len(st.Counts) > 0 {
			fmt.Fprintln(out, boldColor.Sprint("Records:"))
			printCounts(out, st.Counts)
		}
		if st.RecoveryRequired {
			warningColor.Fprintln(out, "Run 'securevault recover' with the most recent password.")
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair a vault whose password record does not match its data",
	Long: `Repair a vault after an interrupted password change or restore.

Enter the password that opens the encrypted store, usually the newest
password you chose. A fresh password record is written for it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := v.Status(cmd.Context())
		if err != nil {
			return fail("recover", err)
		}
		if !st.RecoveryRequired {
			fmt.Fprintln(cmd.OutOrStdout(), "Vault does not need recovery.")
			return nil
		}
		pw, err := readPassword(cmd, "Enter the password that opens the data: ", envPassword)
		if err != nil {
			return err
		}
		if err := v.Recover(cmd.Context(), pw); err != nil {
			return fail("recover", err)
		}
		v.Lock()
		successColor.Fprintln(cmd.OutOrStdout(), "Vault recovered.")
		return nil
	},
}
