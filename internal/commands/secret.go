package commands

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/secrets"
)

func newSecretCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the aggregator client secret in the local store",
	}

	set := &cobra.Command{
		Use:   "set [value]",
		Short: "Store the secret (read from stdin when no value is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return apperr.Wrap(apperr.CodeValidation, err, "no secret on stdin")
				}
				value = line
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return apperr.New(apperr.CodeValidation, "secret must not be empty")
			}
			store, err := secretStore(opts)
			if err != nil {
				return err
			}
			if err := store.Set(secrets.AggregatorKey, value); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"stored": secrets.AggregatorKey})
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := secretStore(opts)
			if err != nil {
				return err
			}
			if err := store.Delete(secrets.AggregatorKey); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": secrets.AggregatorKey})
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}
