package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidescale/inferd/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	DB string
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect the batch execution trace log",
		Long: `Read back the per-batch execution trace recorded by a worker run
with tracing enabled, in processing order.

Example:
  inferd trace --db trace.db
  inferd trace --db trace.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the trace database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func showTrace(opts *TraceOptions, cmd *cobra.Command) error {
	st, err := trace.Open(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace store", err)
	}
	defer st.Close()

	records, err := st.ListBatches(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read trace log", err)
	}

	out := cmd.OutOrStdout()
	formatter := &OutputFormatter{Format: opts.Format, Writer: out, Verbose: opts.Verbose}
	if opts.Format == "json" {
		return formatter.SuccessJSON(records)
	}

	formatter.VerboseLog("read %d batch(es) from %s", len(records), opts.DB)

	if len(records) == 0 {
		fmt.Fprintln(out, "no batches recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tBATCH\tSIZE\tDEPTH\tWAIT\tCOMPUTE\tSTATUS\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			r.Seq, r.BatchID, r.Size, r.QueueDepth,
			r.QueueWait().Round(10*time.Microsecond), r.ComputeTime().Round(10*time.Microsecond),
			r.Status, r.Error)
	}
	return tw.Flush()
}
