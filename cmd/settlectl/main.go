// settlectl is the operator surface for the settlement engine. Every
// mutation goes through the same decision logic as the automatic loop,
// so manual interventions cannot diverge from it.
package main

import (
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	_ "github.com/joho/godotenv/autoload"

	"github.com/solfight/backend/internal/chain"
	"github.com/solfight/backend/internal/config"
	"github.com/solfight/backend/internal/logging"
	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/reconciler"
)

func main() {
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tooling for the settlement and escrow reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSweepCmd())
	root.AddCommand(newReconcileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "settlectl:", err)
		os.Exit(1)
	}
}

func newSweepCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Walk every on-chain game and report or execute refund/close eligibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := svc.Sweep(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			printSweepReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report eligible accounts without submitting any transaction")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass over matches with outstanding work",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService()
			if err != nil {
				return err
			}
			defer cleanup()

			return svc.RunOnce(cmd.Context())
		},
	}
}

// buildService performs the same wiring as the daemon. Failures here
// are setup errors and the only path to a non-zero exit.
func buildService() (*reconciler.Service, func(), error) {
	cfg, err := config.LoadReconcilerConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closeLogger, err := logging.New("settlectl", cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		_ = closeLogger()
		return nil, nil, fmt.Errorf("load signing keypair %q: %w", cfg.KeypairPath, err)
	}

	store, err := matchstore.NewStore(cfg.DBDSN)
	if err != nil {
		_ = closeLogger()
		return nil, nil, fmt.Errorf("open match store: %w", err)
	}

	onchain, err := chain.New(cfg.Chain, signer, logger)
	if err != nil {
		_ = store.Close()
		_ = closeLogger()
		return nil, nil, fmt.Errorf("initialize chain client: %w", err)
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close match store", "err", err)
		}
		_ = closeLogger()
	}
	return reconciler.New(cfg, store, onchain, logger), cleanup, nil
}

func printSweepReport(cmd *cobra.Command, report *reconciler.SweepReport) {
	out := cmd.OutOrStdout()

	mode := "apply"
	if report.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(out, "sweep (%s): %d games issued, %d scanned, %d still open\n",
		mode, report.TotalGames, report.Scanned, report.Open)

	for _, entry := range report.Refundable {
		fmt.Fprintf(out, "  refund+close game %d (%s) status=%s escrow=%d rent=%d match=%s\n",
			entry.GameID, entry.Pubkey, entry.Status, entry.EscrowBalance, entry.RentLamports, orDash(entry.MatchID))
	}
	for _, entry := range report.Closable {
		fmt.Fprintf(out, "  close game %d (%s) status=%s rent=%d match=%s\n",
			entry.GameID, entry.Pubkey, entry.Status, entry.RentLamports, orDash(entry.MatchID))
	}
	for _, entry := range report.Anomalies {
		fmt.Fprintf(out, "  ANOMALY game %d (%s): %s\n", entry.GameID, entry.Pubkey, entry.Note)
	}
	for _, entry := range report.Orphans {
		fmt.Fprintf(out, "  ORPHAN game %d (%s) status=%s: %s\n", entry.GameID, entry.Pubkey, entry.Status, entry.Note)
	}

	fmt.Fprintf(out, "recoverable: %d lamports across %d accounts\n",
		report.RecoverableLamports, len(report.Closable)+len(report.Refundable))
	if !report.DryRun {
		fmt.Fprintf(out, "submitted: %d transactions\n", report.Submitted)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
