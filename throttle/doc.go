// Package throttle limits how fast and how many jobs of one handler type
// (and of one tenant) are handed to the execution pool.
//
// Limits are checked by the acquisition cycle right after a job is
// leased. A job that is throttled is unacquired, not failed: it keeps
// its retries and is picked up again by a later cycle.
//
// # Per-Handler Configuration
//
//	throttle.Config{
//	    HandlerType:    "send-email",
//	    MaxConcurrency: 5,  // max 5 concurrent email jobs on this node
//	    RateLimit:      10, // max 10 jobs/s handed to the pool
//	    RateBurst:      20,
//	}
//
// # Per-Tenant Configuration
//
// [TenantConfig] applies to one tenant on one handler type, or on every
// handler type when HandlerType is empty.
//
// # Manager
//
// [Manager] uses a token-bucket rate limiter (golang.org/x/time/rate)
// and an active-count gate for concurrency limits.
//
//	if m.Acquire(j) {
//	    defer m.Release(j)
//	    // execute the job
//	}
//
// Handler types without a [Config] have no limits beyond the pool size.
package throttle
