package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/scope"
)

// Scope returns middleware that resolves the job's variable scope and
// attaches it to the context, where the terminal handler picks it up
// with scope.FromContext. After a successful handler a scope that
// implements scope.Committer is committed; a failed commit fails the
// attempt. A scope that no longer exists is a fatal failure.
func Scope(resolver scope.Resolver) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		vars, err := resolver.Resolve(ctx, j.ScopeRef())
		if err != nil {
			err = fmt.Errorf("resolve scope %s/%s: %w", j.ScopeType, j.ScopeID, err)
			if errors.Is(err, scope.ErrScopeNotFound) {
				return job.Fatal(err)
			}
			return job.Recoverable(err)
		}

		res := next(scope.WithVariables(ctx, vars))
		if res.Failed() {
			return res
		}
		if c, ok := vars.(scope.Committer); ok {
			if err := c.Commit(ctx); err != nil {
				return job.Recoverable(fmt.Errorf("commit scope: %w", err))
			}
		}
		return res
	}
}
