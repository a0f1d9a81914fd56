// Command trustctl administers a Trust Core installation directly against its
// storage: migrations, master key checks, audit chain verification and
// session cleanup.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/app"
	"github.com/and161185/trustcore/internal/audit"
	"github.com/and161185/trustcore/internal/config"
	"github.com/and161185/trustcore/internal/convert"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/service"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trustctl",
		Short: "Trust Core administration",
		Long: `trustctl works directly on the Trust Core database and key store.
Configuration is read like the server's: defaults, --config YAML file,
then TRUSTCORE_* environment variables.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "log to stderr")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trustctl %s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE:  runMigrate,
	})

	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Master key operations",
	}
	keyCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load the master key and run the cipher self-test (creates the key on first run)",
		RunE:  runKeyCheck,
	})
	rootCmd.AddCommand(keyCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
	}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain",
		RunE:  runAuditVerify,
	}
	verifyCmd.Flags().Int64("from", 1, "first sequence number")
	verifyCmd.Flags().Int64("to", 0, "last sequence number (0 = head)")
	auditCmd.AddCommand(verifyCmd)
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent entries",
		RunE:  runAuditTail,
	}
	tailCmd.Flags().Int64P("lines", "n", 20, "number of entries")
	auditCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(auditCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session maintenance",
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions now",
		RunE:  runSessionsSweep,
	})
	rootCmd.AddCommand(sessionsCmd)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	var args []string
	if path != "" {
		args = []string{"-config", path}
	}
	cfg, err := config.Load(args)
	if err != nil {
		return config.Config{}, nil, err
	}
	log := zap.NewNop()
	if verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return config.Config{}, nil, err
		}
	}
	return cfg, log, nil
}

func openStorage(cmd *cobra.Command) (*app.Storage, config.Config, *zap.Logger, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, nil, err
	}
	st, err := app.OpenStorage(cmd.Context(), cfg, log)
	if err != nil {
		return nil, cfg, nil, err
	}
	return st, cfg, log, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	st, cfg, _, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.SchemaVersion(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", cfg.Storage.Driver, v)
	return nil
}

func runKeyCheck(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	key, err := app.LoadKey(cmd.Context(), cfg, app.SecretStore(cfg), log)
	if err != nil {
		return err
	}
	c, err := key.NewCipher(app.CipherOptions(cfg, log)...)
	if err != nil {
		return err
	}
	if err := c.SelfTest(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "key ok: source=%s algorithm=%s\n", key.Source(), c.Algorithm())
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetInt64("from")
	to, _ := cmd.Flags().GetInt64("to")

	st, _, log, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := audit.New(st.Audit, log).VerifyChain(cmd.Context(), from, to)
	var te *errs.TamperError
	if errors.As(err, &te) {
		fmt.Fprintf(cmd.OutOrStdout(), "TAMPERED at seq %d: %s\n", te.AtSeq, te.Reason)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "chain ok: seq %d..%d, %d entries, head %s\n", rep.From, rep.To, rep.Checked, rep.HeadHash)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt64("lines")
	if n <= 0 {
		return fmt.Errorf("--lines must be positive")
	}

	st, _, log, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := audit.New(st.Audit, log).Tail(cmd.Context(), n)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(convert.ToWireEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

func runSessionsSweep(cmd *cobra.Command, args []string) error {
	st, _, log, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := service.NewSweeper(st.Sessions, 0, log).SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", n)
	return nil
}
