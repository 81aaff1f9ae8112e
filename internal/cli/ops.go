package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/manager"
)

// withManager opens the store and runs fn with a manager over it.
func withManager(cmd *cobra.Command, g *globals, fn func(ctx context.Context, m *manager.Manager) error) error {
	logger := g.logger()
	ctx := cmd.Context()

	s, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, manager.New(s, jobservice.DefaultConfig(), manager.WithLogger(logger)))
}

func printJobs(w io.Writer, jobs []*job.Job) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No jobs found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSHAPE\tTYPE\tDUE\tRETRIES\tATTEMPTS\tSCOPE\tLOCK OWNER\tERROR")
	for _, j := range jobs {
		due := "-"
		if j.DueDate != nil {
			due = j.DueDate.Format(time.RFC3339)
		}
		scopeRef := "-"
		if j.ScopeID != "" {
			scopeRef = j.ScopeType + "/" + j.ScopeID
		}
		owner := j.LockOwner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			j.ID, j.Shape, j.HandlerType, due, j.Retries, j.Attempts, scopeRef, owner, j.ExceptionMessage)
	}
	return tw.Flush()
}
