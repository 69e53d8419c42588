package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/grantflow/model"
)

type requestEnvelope struct {
	Request  model.AccountRequest  `json:"request"`
	Workflow *model.WorkflowHandle `json:"workflow,omitempty"`
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		fields  model.RequestFields
		idemKey string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new account request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCreate(cmd.Context(), cmd.OutOrStdout(), opts, fields, idemKey)
		},
	}
	f := cmd.Flags()
	f.StringVar(&fields.PrincipalName, "principal", "", "login to create")
	f.StringVar(&fields.ServerName, "server-name", "", "target database server")
	f.StringVar(&fields.DatabaseName, "database", "", "target database")
	f.StringVar(&fields.RoleName, "role", "", "database role (server default when empty)")
	f.StringVar(&fields.RequestorAddress, "requestor", "", "requestor e-mail address")
	f.StringVar(&fields.Justification, "justification", "", "why access is needed")
	f.StringVar(&idemKey, "idempotency-key", "", "client key making the submission safe to retry")
	for _, name := range []string{"principal", "server-name", "database", "requestor", "justification"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runCreate(ctx context.Context, out io.Writer, opts *globalOptions, fields model.RequestFields, idemKey string) error {
	var resp requestEnvelope
	raw, err := opts.client().do(ctxOrBackground(ctx), http.MethodPost, "/v1/requests",
		map[string]string{"X-Idempotency-Key": idemKey}, fields, &resp)
	if err != nil {
		return describe(err)
	}
	if opts.json {
		_, err := out.Write(raw)
		return err
	}
	fmt.Fprintf(out, "Request %s submitted (status %s).\n", resp.Request.ID, resp.Request.Status)
	return nil
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <request-id>",
		Short: "Show an account request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp requestEnvelope
			raw, err := opts.client().do(ctxOrBackground(cmd.Context()), http.MethodGet,
				"/v1/requests/"+url.PathEscape(args[0]), nil, nil, &resp)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			r := resp.Request
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
			fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
			fmt.Fprintf(tw, "Principal:\t%s\n", r.PrincipalName)
			fmt.Fprintf(tw, "Target:\t%s/%s\n", r.ServerName, r.DatabaseName)
			fmt.Fprintf(tw, "Role:\t%s\n", r.RoleName)
			fmt.Fprintf(tw, "Requestor:\t%s\n", r.RequestorAddress)
			fmt.Fprintf(tw, "Requested:\t%s\n", r.RequestedAt.Format(time.RFC3339))
			fmt.Fprintf(tw, "Justification:\t%s\n", r.Justification)
			return tw.Flush()
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		status        string
		from, to      string
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List account requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/v1/requests"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp struct {
				Data []model.AccountRequest `json:"data"`
			}
			raw, err := opts.client().do(ctxOrBackground(cmd.Context()), http.MethodGet, path, nil, nil, &resp)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			if len(resp.Data) == 0 {
				fmt.Fprintln(out, "No requests.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRINCIPAL\tTARGET\tREQUESTED")
			for _, r := range resp.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%s\n",
					r.ID, r.Status, r.PrincipalName, r.ServerName, r.DatabaseName,
					r.RequestedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&from, "from", "", "requested at or after (RFC 3339)")
	f.StringVar(&to, "to", "", "requested before (RFC 3339)")
	f.IntVar(&limit, "limit", 0, "maximum rows")
	f.IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

// describe turns an API error envelope into a readable CLI error.
func describe(err error) error {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return err
	}
	msg := fmt.Sprintf("%s: %s", ee.Code, ee.Message)
	for _, d := range ee.Details {
		msg += fmt.Sprintf("\n  %s: %s", d.Field, d.Message)
	}
	return fmt.Errorf("%s", msg)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
