package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/manager"
)

func newDeadLetterCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Manage dead-lettered jobs",
	}
	cmd.AddCommand(newDeadLetterListCmd(g), newDeadLetterRetryCmd(g))
	return cmd
}

func newDeadLetterListCmd(g *globals) *cobra.Command {
	var q job.Query
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.Shape = job.ShapeDeadLetter
			return withManager(cmd, g, func(ctx context.Context, m *manager.Manager) error {
				jobs, err := m.ListJobs(ctx, q)
				if err != nil {
					return err
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
	queryFlags(cmd, &q)
	return cmd
}

func newDeadLetterRetryCmd(g *globals) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead-lettered job back to ready with a fresh retry budget",
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
				if err := m.MoveDeadLetterJobToExecutableJob(ctx, j, retries); err != nil {
					return fmt.Errorf("retry failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Job returned to ready:", jobID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retry budget (default from the node configuration)")
	return cmd
}
