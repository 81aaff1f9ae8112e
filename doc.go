// Package jobservice provides the durable job scheduling and execution
// subsystem of a workflow engine. It turns deferred work (async
// continuations, retries, due-date timers) into durable job records,
// arbitrates which of many concurrent workers may execute each one,
// advances failed work through retry and backoff, and parks work that
// cannot succeed as a dead letter for operator intervention.
//
// jobservice is a library. Import it, configure a store, register job
// handlers by type, and start an engine.
//
// # Quick Start
//
//	eng, err := engine.Build(memory.New(),
//	    engine.WithOptions(
//	        jobservice.WithConcurrency(20),
//	        jobservice.WithLeaseDuration(2*time.Minute),
//	    ),
//	)
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(context.Background())
//
// # Architecture
//
// A job lives in exactly one shape at a time: timer, ready, suspended,
// dead letter or history. Shapes are a tag on a single record, and every
// shape transition is one conditional store write guarded by the record
// revision. Only the manager package moves jobs between shapes.
//
// There is no central coordinator. Workers compete for ready jobs by
// leasing them with a revision check; a crashed worker's lease simply
// expires and the job becomes eligible again. Execution is therefore
// at-least-once and handlers must be idempotent.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package jobservice
