package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Account administration ─────────────────────────────────────────────────
// These commands open the database directly; they are safe to run next to a
// live server.

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountOpenCmd)
	accountCmd.AddCommand(accountGrantCmd)
	accountCmd.AddCommand(accountBalanceCmd)
	accountCmd.AddCommand(accountReconcileCmd)
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage member accounts",
}

// ─── account open ───────────────────────────────────────────────────────────

var accountOpenCmd = &cobra.Command{
	Use:   "open USER_ID",
	Short: "Open an account with the initial credit grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountOpen,
}

func runAccountOpen(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	b, err := d.Market.OpenAccount(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Account %q open: %d available, %d reserved\n", b.UserID, b.Available, b.Reserved)
	return nil
}

// ─── account grant ──────────────────────────────────────────────────────────

var accountGrantCmd = &cobra.Command{
	Use:   "grant USER_ID AMOUNT",
	Short: "Issue credits to an existing account",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountGrant,
}

func runAccountGrant(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	b, err := d.Market.IssueCredits(cmd.Context(), args[0], amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Granted %d credits to %q: %d available\n", amount, b.UserID, b.Available)
	return nil
}

// ─── account balance ────────────────────────────────────────────────────────

var accountBalanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show an account's balance and unclaimed earnings",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountBalance,
}

func runAccountBalance(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	b, err := d.Market.Balance(ctx, args[0])
	if err != nil {
		return err
	}
	entries, err := d.Market.ListUnclaimedEntries(ctx, args[0])
	if err != nil {
		return err
	}
	var unclaimed int64
	for _, e := range entries {
		unclaimed += e.Amount
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account:   %s\n", b.UserID)
	fmt.Fprintf(out, "Available: %d\n", b.Available)
	fmt.Fprintf(out, "Reserved:  %d\n", b.Reserved)
	fmt.Fprintf(out, "Unclaimed: %d (%d entries)\n", unclaimed, len(entries))
	return nil
}

// ─── account reconcile ──────────────────────────────────────────────────────

var accountReconcileCmd = &cobra.Command{
	Use:   "reconcile USER_ID",
	Short: "Replay the movement log and compare it with the stored balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountReconcile,
}

func runAccountReconcile(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.Market.Reconcile(cmd.Context(), args[0])
	if err != nil && !errors.Is(err, domain.ErrLedgerMismatch) {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Movements: %d\n", rec.Movements)
	fmt.Fprintf(out, "Stored:    %d available, %d reserved\n", rec.Stored.Available, rec.Stored.Reserved)
	fmt.Fprintf(out, "Replayed:  %d available, %d reserved\n", rec.Replayed.Available, rec.Replayed.Reserved)
	if err != nil {
		fmt.Fprintln(out, "❌ Ledger mismatch")
		return err
	}
	fmt.Fprintln(out, "✅ Ledger consistent")
	return nil
}
