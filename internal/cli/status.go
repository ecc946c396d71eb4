package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/contestd/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show contest state and task totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st model.ContestStatus
			if err := client.GetInto("/api/v1/contest", &st); err != nil {
				return fmt.Errorf("get contest status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Contest:   %s\n", stateStyle(st.Status).Render(string(st.Status)))
			fmt.Fprintf(out, "  Issued:    %s of %s\n", humanize.Comma(int64(st.IssuedTasks)), humanize.Comma(int64(st.TotalTasks)))
			fmt.Fprintf(out, "  Remaining: %s\n", humanize.Comma(int64(st.RemainingTasks)))
			fmt.Fprintf(out, "  Teams:     %d connected\n", st.ConnectedTeams)
			return nil
		},
	}
}

func stateStyle(s model.ContestState) lipgloss.Style {
	switch s {
	case model.ContestRunning:
		return success
	case model.ContestCompleted:
		return info
	default:
		return warning
	}
}
