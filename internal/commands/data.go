package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/apperr"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return printJSON(cmd.OutOrStdout(), map[string]any{"migrated": true, "database": cfg.Database.Path})
		},
	}
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import a CSV of date, description, amount[, external_id] into one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.ImportCSV(cmd.Context(), accountID, f)
			return emit(cmd, res, err)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "target account id (required)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newBudgetCommand(opts *rootOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Total expenses per category, leaving out ignored transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().In(a.cfg.Location())
			start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
			end := start.AddDate(0, 1, 0)
			if from != "" {
				if start, err = time.Parse(time.DateOnly, from); err != nil {
					return apperr.Wrap(apperr.CodeValidation, err, "--from must be YYYY-MM-DD")
				}
			}
			if to != "" {
				if end, err = time.Parse(time.DateOnly, to); err != nil {
					return apperr.Wrap(apperr.CodeValidation, err, "--to must be YYYY-MM-DD")
				}
			}
			res, err := a.orch.Budget(cmd.Context(), start, end)
			return emit(cmd, res, err)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start, inclusive (default: first day of this month)")
	cmd.Flags().StringVar(&to, "to", "", "period end, exclusive (default: first day of next month)")
	return cmd
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all accounts, transactions, orders and rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.orch.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"reset": true})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
