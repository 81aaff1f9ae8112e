package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/manager"
)

func newJobsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel jobs",
	}
	cmd.AddCommand(newJobsListCmd(g), newJobsGetCmd(g), newJobsCancelCmd(g))
	return cmd
}

func queryFlags(cmd *cobra.Command, q *job.Query) {
	f := cmd.Flags()
	f.StringVar(&q.HandlerType, "type", "", "filter by handler type")
	f.StringVar(&q.ScopeType, "scope-type", "", "filter by scope type")
	f.StringVar(&q.ScopeID, "scope-id", "", "filter by scope ID")
	f.StringVar(&q.ExecutionID, "execution", "", "filter by execution ID")
	f.StringVar(&q.DeploymentID, "deployment", "", "filter by deployment ID")
	f.StringVar(&q.TenantID, "tenant", "", "filter by tenant ID")
	f.StringVar(&q.CorrelationID, "correlation", "", "filter by correlation ID")
	f.IntVar(&q.Limit, "limit", 50, "maximum number of jobs (0 for all)")
	f.IntVar(&q.Offset, "offset", 0, "number of jobs to skip")
}

func newJobsListCmd(g *globals) *cobra.Command {
	var (
		q     job.Query
		shape string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.Shape = job.Shape(shape)
			if shape != "" && !q.Shape.Valid() {
				return fmt.Errorf("unknown shape %q", shape)
			}
			return withManager(cmd, g, func(ctx context.Context, m *manager.Manager) error {
				jobs, err := m.ListJobs(ctx, q)
				if err != nil {
					return err
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&shape, "shape", "", "filter by shape (timer, ready, suspended, deadletter, history)")
	queryFlags(cmd, &q)
	return cmd
}

func newJobsGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd, g, func(ctx context.Context, m *manager.Manager) error {
				j, err := m.GetJob(ctx, jobID)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(j)
			})
		},
	}
}

func newJobsCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Delete a job that is not currently leased",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd, g, func(ctx context.Context, m *manager.Manager) error {
				if err := m.CancelJob(ctx, jobID); err != nil {
					return fmt.Errorf("cancel failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Job cancelled:", jobID)
				return nil
			})
		},
	}
}
