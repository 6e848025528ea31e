package commands

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/review"
)

func newReviewCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "Interactively link or ignore orders the matcher left open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			p := tea.NewProgram(review.New(cmd.Context(), a.orch),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.ErrOrStderr()),
			)
			final, err := p.Run()
			if err != nil {
				return err
			}
			m := final.(review.Model)
			return printJSON(cmd.OutOrStdout(), map[string]int{"linked": m.Linked, "ignored": m.Ignored})
		},
	}
}
