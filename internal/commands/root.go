// Package commands implements the moneysync command line.
package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/buildinfo"
)

type rootOptions struct {
	configPath  string
	secretsPath string
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:     "moneysync",
		Short:   "Incremental bank sync and reconciliation",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildinfo.Version, buildinfo.Commit, buildinfo.Date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $MONEYSYNC_CONFIG or ~/.config/moneysync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.secretsPath, "secrets", "", "secret store file (default in the user config dir)")

	rootCmd.AddCommand(
		newMigrateCommand(opts),
		newSyncCommand(opts),
		newSyncAllCommand(opts),
		newWebhookCommand(opts),
		newMatchOrdersCommand(opts),
		newCandidatesCommand(opts),
		newMatchRecurringCommand(opts),
		newLinkOrderCommand(opts),
		newIgnoreOrderCommand(opts),
		newImportCommand(opts),
		newBudgetCommand(opts),
		newDaemonCommand(opts),
		newReviewCommand(opts),
		newResetCommand(opts),
		newSecretCommand(opts),
	)
	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints the result and then hands back the operation's error so cobra
// sets a failing exit status.
func emit(cmd *cobra.Command, v any, opErr error) error {
	if err := printJSON(cmd.OutOrStdout(), v); err != nil {
		return err
	}
	return opErr
}
