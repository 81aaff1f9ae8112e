// Package job defines the job record, its shapes, handler results, the
// handler registry and the store contract.
//
// # Shapes
//
// A [Job] is a single record tagged with a [Shape]:
//
//	timer --(due)--> ready --(lease+success)--> [deleted]
//	ready --(lease+fail, retries>0)--> ready (requeued, lease cleared)
//	ready --(lease+fail, retries==0)--> deadletter
//	ready/timer/deadletter --(scope suspended)--> suspended --(activated)--> origin shape
//	deadletter --(operator retry)--> ready
//	history --(lease+success)--> [deleted]
//
// Only the manager package moves jobs between shapes. Every write goes
// through the store with the revision the writer read, which is how
// concurrent workers, timers and bulk operations arbitrate without a
// coordinator.
//
// # Handlers
//
// Handlers return a typed [Result]: [OK], [Recoverable] or [Fatal].
// Typed definitions decode their JSON configuration first:
//
//	var SendMail = job.NewDefinition("send-mail",
//	    func(ctx context.Context, cfg MailConfig, vars scope.VariableScope) error {
//	        return mailer.Send(cfg.To, cfg.Subject)
//	    },
//	)
//
//	job.RegisterDefinition(registry, SendMail)
//
// Plain errors are classified with [ResultOf]; wrap with [Permanent] to
// skip the remaining retries.
package job
