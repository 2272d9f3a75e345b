package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(adjustCmd)

	resyncCmd.Flags().Bool("strict", false, "Exit non-zero when any pair failed to sync")
	recoverCmd.Flags().Duration("older-than", 0, "Only recover sagas idle this long (default from config)")
	adjustCmd.Flags().Int64("delta", 0, "Signed quantity to add to the warehouse count")
	adjustCmd.Flags().String("note", "", "Reason recorded on the movement")
}

// ─── resync ─────────────────────────────────────────────────────────────────

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Copy every warehouse count onto its storefront item",
	Args:  cobra.NoArgs,
	RunE:  runResync,
}

func runResync(cmd *cobra.Command, _ []string) error {
	strict, _ := cmd.Flags().GetBool("strict")

	recon, _, closeFn, err := openReconciler(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	rep, err := recon.FullResync(cmd.Context())
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
		return err
	}
	if strict {
		return rep.Err()
	}
	return nil
}

// ─── status ─────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show link and sync counts, low stock and pending sagas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		recon, _, closeFn, err := openReconciler(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		st, err := recon.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

// ─── recover-sagas ──────────────────────────────────────────────────────────

var recoverCmd = &cobra.Command{
	Use:   "recover-sagas",
	Short: "Settle decrement sagas left unfinished by a crash",
	Args:  cobra.NoArgs,
	RunE:  runRecover,
}

func runRecover(cmd *cobra.Command, _ []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	recon, cfg, closeFn, err := openReconciler(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	if olderThan <= 0 {
		olderThan = cfg.Inventory.SagaStaleAfter
	}
	n, err := recon.RecoverSagas(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"recovered":  n,
		"older_than": olderThan.String(),
	})
}

// ─── adjust ─────────────────────────────────────────────────────────────────

var adjustCmd = &cobra.Command{
	Use:   "adjust WAREHOUSE_ID",
	Short: "Apply a manual correction to a warehouse count",
	Long: `Apply a signed correction to a warehouse count. The result is clamped at
zero. Storefront items pick up the new count on the next resync.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdjust,
}

func runAdjust(cmd *cobra.Command, args []string) error {
	delta, _ := cmd.Flags().GetInt64("delta")
	note, _ := cmd.Flags().GetString("note")
	if delta == 0 {
		return fmt.Errorf("--delta must be non-zero")
	}

	recon, _, closeFn, err := openReconciler(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	if note == "" {
		note = "manual adjustment " + time.Now().UTC().Format(time.RFC3339)
	}
	w, err := recon.AdjustWarehouse(cmd.Context(), args[0], delta, note)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), w)
}
