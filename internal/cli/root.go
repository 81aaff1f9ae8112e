// Package cli implements the jobctl command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// globals are the persistent flags shared by every command.
type globals struct {
	backend  string
	dsn      string
	database string
	migrate  bool
	verbose  bool
	breaker  uint32
}

func (g *globals) logger() *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewRootCmd builds the jobctl command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Run and operate jobservice worker nodes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.backend, "store", envOr("JOBSERVICE_STORE", "memory"), "store backend: memory, postgres, redis or mongo")
	flags.StringVar(&g.dsn, "dsn", os.Getenv("JOBSERVICE_DSN"), "connection string of the store backend")
	flags.StringVar(&g.database, "database", envOr("JOBSERVICE_DATABASE", "jobservice"), "database name (mongo only)")
	flags.BoolVar(&g.migrate, "migrate", false, "create or upgrade the store schema before running")
	flags.Uint32Var(&g.breaker, "breaker-threshold", 5, "consecutive store failures that open the circuit breaker (0 disables it)")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newRunCmd(g),
		newScheduleCmd(g),
		newJobsCmd(g),
		newDeadLetterCmd(g),
		newScopeCmd(g),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
