// Package engine wires the jobservice subsystems together: the job
// manager over a store, the timer trigger, the acquisition cycle and
// execution pool of the primary lane, and the history pipeline.
//
// The engine sits above every subsystem package and below the
// application; the root jobservice package only holds configuration,
// errors and shared entity types, so it cannot import these packages
// back.
//
//	eng, err := engine.Build(memory.New(), engine.WithConfig(cfg))
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(context.Background())
//	engine.Schedule(ctx, eng, "send-email", email{To: "a@example.com"})
package engine
