// Package store defines the aggregate persistence interface. Backends
// (memory, postgres, redis, mongo) implement job.Store plus lifecycle
// management, and each is verified by the storetest conformance suite.
package store

import (
	"context"

	"github.com/xraph/jobservice/job"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store

	// Migrate creates or upgrades the backend schema and indexes.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
