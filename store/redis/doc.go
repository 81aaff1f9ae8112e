// Package redis implements store.Store on Redis. Each job is a
// msgpack-encoded string value; per-shape Sorted Sets scored by due date
// serve acquisition and timer scans; exclusive leases are mirrored in a
// per-scope key. Every conditional write runs under WATCH/MULTI so that a
// concurrent change to the job (or its scope key) aborts the transaction.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
