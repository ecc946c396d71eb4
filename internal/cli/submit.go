package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/contestd/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var metadataFile string

	cmd := &cobra.Command{
		Use:   "submit <task_id> <annotation.json|->",
		Short: "Submit an annotation for an issued task",
		Long:  "Submit the JSON annotation in the given file (or stdin with \"-\") for an issued task.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || taskID <= 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			annotation, err := readJSONArg(cmd.InOrStdin(), args[1])
			if err != nil {
				return fmt.Errorf("annotation: %w", err)
			}
			req := model.SubmissionRequest{TaskID: taskID, Annotation: annotation}
			if metadataFile != "" {
				if req.Metadata, err = readJSONArg(cmd.InOrStdin(), metadataFile); err != nil {
					return fmt.Errorf("metadata: %w", err)
				}
			}

			resp, err := client.Post("/api/v1/submissions", req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			var receipt model.SubmissionReceipt
			if err := json.Unmarshal(resp.Data, &receipt); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, success.Render(fmt.Sprintf("Submission %d accepted", receipt.SubmissionID)))
			fmt.Fprintf(out, "  Task:    %d\n", taskID)
			fmt.Fprintf(out, "  Attempt: %d\n", receipt.Attempt)
			if receipt.Message != "" {
				fmt.Fprintf(out, "  %s\n", muted.Render(receipt.Message))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metadataFile, "metadata", "", "JSON file with submission metadata")
	return cmd
}

func newSubmissionsCmd() *cobra.Command {
	var taskID int64

	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List your team's submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/submissions"
			if taskID > 0 {
				path += "?task_id=" + strconv.FormatInt(taskID, 10)
			}
			var subs []model.Submission
			if err := client.GetInto(path, &subs); err != nil {
				return fmt.Errorf("list submissions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(subs) == 0 {
				fmt.Fprintln(out, muted.Render("No submissions."))
				return nil
			}
			fmt.Fprintf(out, "%-6s  %-6s  %-7s  %-10s  %s\n", "ID", "TASK", "ATTEMPT", "STATUS", "RECEIVED")
			fmt.Fprintf(out, "%-6s  %-6s  %-7s  %-10s  %s\n", "--", "----", "-------", "------", "--------")
			for _, s := range subs {
				fmt.Fprintf(out, "%-6d  %-6d  %-7d  %-10s  %s\n", s.ID, s.TaskID, s.Attempt, s.Status, relTime(s.ReceivedAt))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "Only show submissions for this task")
	return cmd
}

// readJSONArg reads a JSON document from path, or from stdin when path is "-".
func readJSONArg(stdin io.Reader, path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}
