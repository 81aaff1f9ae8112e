package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/engine"
	"github.com/xraph/jobservice/job"
	mw "github.com/xraph/jobservice/middleware"
	"github.com/xraph/jobservice/scope"
	"github.com/xraph/jobservice/stream"
	"github.com/xraph/jobservice/throttle"
)

// Built-in handler types available on every jobctl worker.
const (
	handlerLog   = "log"
	handlerSleep = "sleep"
)

type sleepConfig struct {
	Duration string `json:"duration"`
}

func newRunCmd(g *globals) *cobra.Command {
	cfg := jobservice.DefaultConfig()
	var (
		handlerTimeout time.Duration
		rateLimit      float64
		events         []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openStore(ctx, g, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := []engine.Option{engine.WithConfig(cfg), engine.WithLogger(logger)}
			if handlerTimeout > 0 {
				opts = append(opts, engine.WithHandlerTimeout(mw.Fixed(handlerTimeout)))
			}
			if rateLimit > 0 {
				opts = append(opts,
					engine.WithThrottle(throttle.Config{HandlerType: handlerLog, RateLimit: rateLimit}),
					engine.WithThrottle(throttle.Config{HandlerType: handlerSleep, RateLimit: rateLimit}),
				)
			}

			if len(events) > 0 {
				broker := stream.NewBroker(logger)
				sub, err := broker.Subscribe("jobctl", events...)
				if err != nil {
					return err
				}
				opts = append(opts, engine.WithExtension(broker))
				go printEvents(cmd.OutOrStdout(), sub)
			}

			eng, err := engine.Build(s, opts...)
			if err != nil {
				return err
			}
			registerBuiltins(eng, logger)

			return eng.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.WorkerID, "worker-id", "", "lock owner name (default: generated)")
	f.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "executor goroutines")
	f.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "leased jobs waiting for an executor")
	f.DurationVar(&cfg.AcquireInterval, "acquire-interval", cfg.AcquireInterval, "acquisition poll interval")
	f.IntVar(&cfg.AcquireBatchSize, "acquire-batch", cfg.AcquireBatchSize, "jobs leased per cycle")
	f.DurationVar(&cfg.LeaseDuration, "lease", cfg.LeaseDuration, "lease duration")
	f.DurationVar(&cfg.TimerInterval, "timer-interval", cfg.TimerInterval, "timer promotion interval")
	f.IntVar(&cfg.DefaultRetries, "retries", cfg.DefaultRetries, "retry budget of new jobs")
	f.BoolVar(&cfg.LastChanceVisible, "last-chance", cfg.LastChanceVisible, "keep exhausted jobs for one final attempt")
	f.BoolVar(&cfg.HistoryEnabled, "history", cfg.HistoryEnabled, "run the history pipeline")
	f.BoolVar(&cfg.HistoryDeadLetter, "history-dead-letter", cfg.HistoryDeadLetter, "dead-letter exhausted history jobs instead of dropping them")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown deadline")
	f.DurationVar(&handlerTimeout, "handler-timeout", 0, "per-attempt handler deadline (0 disables)")
	f.Float64Var(&rateLimit, "rate", 0, "jobs per second per built-in handler type (0 disables)")
	f.StringSliceVar(&events, "events", nil, "print lifecycle events of these topics as JSON lines (e.g. firehose, jobs, scope:<type>/<id>)")
	return cmd
}

// printEvents writes each event as one JSON line until the broker
// closes the subscriber on shutdown.
func printEvents(w io.Writer, sub *stream.Subscriber) {
	enc := json.NewEncoder(w)
	for evt := range sub.C() {
		_ = enc.Encode(evt)
	}
}

// registerBuiltins registers the handlers jobctl ships with: "log"
// writes its configuration to the log, "sleep" waits for the configured
// duration or until cancelled.
func registerBuiltins(eng *engine.Engine, logger *slog.Logger) {
	engine.Register(eng, job.NewDefinition(handlerLog, func(_ context.Context, cfg json.RawMessage, _ scope.VariableScope) error {
		logger.Info("log job", slog.String("configuration", string(cfg)))
		return nil
	}))

	engine.Register(eng, job.NewDefinition(handlerSleep, func(ctx context.Context, cfg sleepConfig, _ scope.VariableScope) error {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return job.Permanent(err)
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
}
