package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/manager"
)

func newScheduleCmd(g *globals) *cobra.Command {
	var (
		config    string
		in        time.Duration
		repeat    string
		retries   int
		scopeRef  string
		exclusive bool
		execution string
		tenant    string
	)

	cmd := &cobra.Command{
		Use:   "schedule <handler-type>",
		Short: "Schedule a job, or a timer with --in or --repeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if config != "" && !json.Valid([]byte(config)) {
				return errors.New("--config must be valid JSON")
			}

			opts := []job.Option{job.WithExclusive(exclusive)}
			if retries > 0 {
				opts = append(opts, job.WithRetries(retries))
			}
			if scopeRef != "" {
				scopeType, scopeID, ok := strings.Cut(scopeRef, "/")
				if !ok || scopeType == "" || scopeID == "" {
					return fmt.Errorf("--scope must be <type>/<id>, got %q", scopeRef)
				}
				opts = append(opts, job.WithScope(scopeType, scopeID, ""))
			}
			if execution != "" {
				opts = append(opts, job.WithExecution(execution))
			}
			if tenant != "" {
				opts = append(opts, job.WithTenant(tenant))
			}

			timer := in > 0 || repeat != ""
			if in > 0 {
				opts = append(opts, job.WithDueDate(time.Now().Add(in)))
			}
			if repeat != "" {
				opts = append(opts, job.WithRepeat(repeat))
			}

			return withManager(cmd, g, func(ctx context.Context, m *manager.Manager) error {
				var (
					j   *job.Job
					err error
				)
				if timer {
					j, err = m.ScheduleTimer(ctx, args[0], []byte(config), opts...)
				} else {
					j, err = m.ScheduleAsync(ctx, args[0], []byte(config), opts...)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s job %s\n", j.Shape, j.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&config, "config", "", "handler configuration as JSON")
	f.DurationVar(&in, "in", 0, "schedule as a timer due after this delay")
	f.StringVar(&repeat, "repeat", "", "repeat descriptor for a timer (cron expression or @every 5m)")
	f.IntVar(&retries, "retries", 0, "retry budget (default from the node configuration)")
	f.StringVar(&scopeRef, "scope", "", "variable scope as <type>/<id>")
	f.BoolVar(&exclusive, "exclusive", true, "run at most one exclusive job of the scope at a time")
	f.StringVar(&execution, "execution", "", "execution ID")
	f.StringVar(&tenant, "tenant", "", "tenant ID")
	return cmd
}
