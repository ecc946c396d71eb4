package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/me/contestd/pkg/model"
)

func newWatchCmd() *cobra.Command {
	var (
		count int
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task announcements and contest updates",
		Long:  "Connect to the team stream and print each message as it arrives. Stops on Ctrl-C, after --count messages, or when the contest completes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if client.Token == "" {
				return fmt.Errorf("no token: run contestctl register or login first")
			}
			conn, err := client.Dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)
			go func() {
				if _, ok := <-interrupt; ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					conn.Close()
				}
			}()

			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return fmt.Errorf("read: %w", err)
				}
				env, err := model.DecodeEnvelope(data)
				if err != nil {
					logger.Warn("skipping malformed frame", "error", err)
					continue
				}
				if env.Type == model.MessagePing {
					continue
				}
				seen++
				if raw {
					fmt.Fprintln(out, string(data))
					continue
				}
				if done := printEnvelope(out, env); done && count <= 0 {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages (0 = until the contest completes)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print frames as received JSON")
	return cmd
}

// printEnvelope renders one frame and reports whether it announced the end
// of the contest.
func printEnvelope(out io.Writer, env model.InboundEnvelope) bool {
	ts := muted.Render(env.Timestamp.Local().Format("15:04:05"))

	switch env.Type {
	case model.MessageNewTask:
		var ann model.TaskAnnouncement
		if err := json.Unmarshal(env.Data, &ann); err != nil {
			break
		}
		fmt.Fprintf(out, "%s %s #%d %s (%d remaining)\n", ts, accent.Render("new task"), ann.TaskID, ann.Name, ann.Remaining)
		fmt.Fprintf(out, "         %s\n", ann.Content)
		return false

	case model.MessageAvailableTasks:
		var avail model.AvailableTasks
		if err := json.Unmarshal(env.Data, &avail); err != nil {
			break
		}
		fmt.Fprintf(out, "%s %s %d issued, %d remaining of %d\n", ts, info.Render("available"),
			avail.TotalIssued, avail.RemainingTasks, avail.MaxTasks)
		for _, t := range avail.Tasks {
			fmt.Fprintf(out, "         #%d %s\n", t.TaskID, t.Name)
		}
		return false

	case model.MessageContestStatus:
		var st model.ContestStatus
		if err := json.Unmarshal(env.Data, &st); err != nil {
			break
		}
		fmt.Fprintf(out, "%s %s %s (%d/%d issued)\n", ts, info.Render("contest"),
			stateStyle(st.Status).Render(string(st.Status)), st.IssuedTasks, st.TotalTasks)
		return st.Status == model.ContestCompleted
	}

	// Unknown or undecodable types are shown as-is.
	fmt.Fprintf(out, "%s %s %s\n", ts, muted.Render(string(env.Type)), env.Data)
	return false
}
