package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xilidan/meetings/services/workflow/entity"
)

func NewRunsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and replay workflow runs",
	}
	cmd.AddCommand(newRunsListCmd(deps))
	cmd.AddCommand(newRunsShowCmd(deps))
	cmd.AddCommand(newRunsReplayCmd(deps))
	return cmd
}

func newRunsListCmd(deps *Dependencies) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := deps.Client.ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
				return nil
			}
			return writeRunTable(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status: running, retrying, completed, failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newRunsShowCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its step log as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := deps.Client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(detail)
		},
	}
}

func newRunsReplayCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Redeliver a failed run; completed steps are not executed again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.Client.ReplayRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replaying %s\n", args[0])
			return nil
		},
	}
}

func writeRunTable(w io.Writer, runs []entity.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Event, r.Status, r.Attempts, r.UpdatedAt.Format(time.RFC3339), truncate(r.LastError, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
