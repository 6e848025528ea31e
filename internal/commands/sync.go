package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/webhook"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Sync one account now and reconcile what changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.RunAccountSync(cmd.Context(), args[0])
			return emit(cmd, res, err)
		},
	}
}

func newSyncAllCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-all [account-id...]",
		Short: "Sync the given accounts, or every linked account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.SyncAll(cmd.Context(), args)
			return emit(cmd, res, err)
		},
	}
}

func newWebhookCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook <payload.json|->",
		Short: "Process a provider notification read from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			// Close waits for the triggered syncs.
			defer a.Close()
			payload, err := webhook.Decode(r)
			if err != nil {
				a.log.WithError(err).WithField("source", args[0]).Warn("webhook notification rejected")
				return emit(cmd, webhook.Result{Action: webhook.ActionRejected, Error: apperr.ToPayload(err)}, err)
			}
			res, err := a.orch.ProcessWebhook(cmd.Context(), payload)
			return emit(cmd, res, err)
		},
	}
}
