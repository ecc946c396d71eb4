package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/contestd/pkg/model"
)

func newTasksCmd() *cobra.Command {
	var showContent bool

	cmd := &cobra.Command{
		Use:   "tasks [task_id]",
		Short: "List issued tasks, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var t model.Task
				if err := client.GetInto("/api/v1/tasks/"+args[0], &t); err != nil {
					return fmt.Errorf("get task: %w", err)
				}
				fmt.Fprintf(out, "Task %s\n", accent.Render(fmt.Sprintf("#%d %s", t.ID, t.Name)))
				if t.IssuedAt != nil {
					fmt.Fprintf(out, "  Issued:       %s\n", relTime(*t.IssuedAt))
				}
				fmt.Fprintf(out, "  Max attempts: %d\n", t.MaxAttempts)
				fmt.Fprintf(out, "  Content:      %s\n", prettyJSON(t.Content))
				return nil
			}

			var tasks []model.Task
			if err := client.GetInto("/api/v1/tasks", &tasks); err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, muted.Render("No tasks issued yet."))
				return nil
			}

			fmt.Fprintf(out, "%-6s  %-30s  %-16s  %s\n", "ID", "NAME", "ISSUED", "ATTEMPTS")
			fmt.Fprintf(out, "%-6s  %-30s  %-16s  %s\n", "--", "----", "------", "--------")
			for _, t := range tasks {
				issued := "-"
				if t.IssuedAt != nil {
					issued = relTime(*t.IssuedAt)
				}
				fmt.Fprintf(out, "%-6d  %-30s  %-16s  %d\n", t.ID, t.Name, issued, t.MaxAttempts)
				if showContent {
					fmt.Fprintf(out, "        %s\n", muted.Render(string(t.Content)))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showContent, "content", false, "Print each task's content")
	return cmd
}

func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "                ", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}
