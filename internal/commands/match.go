package commands

import (
	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/apperr"
)

func newMatchOrdersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match-orders [order-id...]",
		Short: "Auto-link open orders to transactions, or list candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.MatchOrders(cmd.Context(), args)
			return emit(cmd, res, err)
		},
	}
}

func newCandidatesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "candidates <order-id>",
		Short: "Rank the transactions that could belong to an order (read-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.FindOrderCandidates(cmd.Context(), args[0])
			return emit(cmd, res, err)
		},
	}
}

func newMatchRecurringCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match-recurring",
		Short: "Bind recurring charges in the open budgeting periods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.MatchRecurringForOpenPeriods(cmd.Context())
			return emit(cmd, res, err)
		},
	}
}

func newLinkOrderCommand(opts *rootOptions) *cobra.Command {
	var unlink bool
	cmd := &cobra.Command{
		Use:   "link-order <order-id> [txn-id]",
		Short: "Link an order to a transaction, or clear its link",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var txnID *string
			switch {
			case unlink && len(args) == 2:
				return apperr.New(apperr.CodeValidation, "--clear takes no transaction id")
			case !unlink && len(args) == 1:
				return apperr.New(apperr.CodeValidation, "transaction id required (or --clear)")
			case len(args) == 2:
				txnID = &args[1]
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.LinkOrder(cmd.Context(), args[0], txnID)
			return emit(cmd, res, err)
		},
	}
	cmd.Flags().BoolVar(&unlink, "clear", false, "remove the order's link")
	return cmd
}

func newIgnoreOrderCommand(opts *rootOptions) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "ignore-order <order-id>",
		Short: "Exclude an order from matching (--off to include it again)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.SetIgnored(cmd.Context(), args[0], !off)
			return emit(cmd, res, err)
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "stop ignoring the order")
	return cmd
}
