package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/jobservice/manager"
)

func newScopeCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Suspend or activate every job of a scope",
	}
	cmd.AddCommand(
		scopeAction(g, "suspend", "Park the timers and ready jobs of a scope", (*manager.Manager).SuspendScope),
		scopeAction(g, "activate", "Return the suspended jobs of a scope", (*manager.Manager).ActivateScope),
		scopeAction(g, "delete", "Delete every job of a scope", (*manager.Manager).DeleteJobsByScope),
	)
	return cmd
}

func scopeAction(g *globals, use, short string, fn func(*manager.Manager, context.Context, string, string) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <scope-type> <scope-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, g, func(ctx context.Context, m *manager.Manager) error {
				n, err := fn(m, ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("%s %s/%s: %w", use, args[0], args[1], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d jobs affected\n", n)
				return nil
			})
		},
	}
}
