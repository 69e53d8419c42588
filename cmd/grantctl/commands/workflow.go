package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/grantflow/model"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show workflow progress for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st model.WorkflowState
			raw, err := opts.client().do(ctxOrBackground(cmd.Context()), http.MethodGet,
				"/v1/requests/"+url.PathEscape(args[0])+"/workflow", nil, nil, &st)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintf(tw, "Request:\t%s\n", st.RequestID)
			fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
			fmt.Fprintf(tw, "Stage:\t%s\n", st.Stage)
			fmt.Fprintf(tw, "Completed:\t%s\n", strings.Join(st.CompletedStages, ", "))
			if n := st.IntProperty(model.PropReminderCount); n > 0 {
				fmt.Fprintf(tw, "Reminders:\t%d\n", n)
			}
			if exp, ok := st.TimeProperty(model.PropExpiresAt); ok && !st.Status.IsTerminal() {
				fmt.Fprintf(tw, "Expires:\t%s\n", exp.Format(time.RFC3339))
			}
			if st.ErrorMessage != "" {
				fmt.Fprintf(tw, "Error:\t%s\n", st.ErrorMessage)
			}
			fmt.Fprintf(tw, "Updated:\t%s\n", st.LastUpdated.Format(time.RFC3339))
			return tw.Flush()
		},
	}
}

func newOperationsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "operations <request-id>",
		Short: "List provisioning operations for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []model.OperationResult `json:"data"`
			}
			raw, err := opts.client().do(ctxOrBackground(cmd.Context()), http.MethodGet,
				"/v1/requests/"+url.PathEscape(args[0])+"/operations", nil, nil, &resp)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			if len(resp.Data) == 0 {
				fmt.Fprintln(out, "No operations.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tERROR")
			for _, op := range resp.Data {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", op.StepName, op.Status, op.Attempts, op.ErrorMessage)
			}
			return tw.Flush()
		},
	}
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <request-id>",
		Short: "Show the audit trail of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []model.WorkflowEvent `json:"data"`
			}
			raw, err := opts.client().do(ctxOrBackground(cmd.Context()), http.MethodGet,
				"/v1/requests/"+url.PathEscape(args[0])+"/events", nil, nil, &resp)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTAGE\tEVENT\tACTOR\tCOMMENT")
			for _, ev := range resp.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Stage, ev.Event, ev.ActorID, ev.Comment)
			}
			return tw.Flush()
		},
	}
}

func newDecisionCmd(opts *globalOptions, approve bool) *cobra.Command {
	use, short, verb := "reject <request-id>", "Reject a pending request", "rejected"
	if approve {
		use, short, verb = "approve <request-id>", "Approve a pending request", "approved"
	}

	var by, comment string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approver := strings.TrimSpace(by)
			if approver == "" {
				approver = opts.actor
			}
			if approver == "" {
				return fmt.Errorf("--by is required")
			}
			body := map[string]any{
				"approved": approve,
				"approver": approver,
				"comments": strings.TrimSpace(comment),
			}

			var st model.WorkflowState
			raw, err := opts.client().do(ctxOrBackground(cmd.Context()), http.MethodPost,
				"/v1/requests/"+url.PathEscape(args[0])+"/decision", nil, body, &st)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			fmt.Fprintf(out, "Request %s %s by %s (status %s).\n", args[0], verb, approver, st.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "approver (defaults to --actor)")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}
