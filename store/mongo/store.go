package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobservice/store"
)

// Collection name constants.
const (
	colJobs       = "jobservice_jobs"
	colScopeLocks = "jobservice_scope_locks"
)

var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store. The caller owns the
// client lifecycle; Store never disconnects it.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the clock used to judge live leases in the
// exclusive-scope guard.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new MongoDB store on the named database.
func New(client *mongod.Client, database string, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database handle for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates the indexes of the job collection.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("jobservice/mongo: migrate %s indexes: %w", col, err)
		}
	}
	s.logger.Debug("mongo indexes ensured", "database", s.db.Name())
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Acquisition and timer scans.
			{Keys: bson.D{
				{Key: "shape", Value: 1},
				{Key: "due_date", Value: 1},
			}},
			// Live exclusive leases per scope.
			{
				Keys: bson.D{
					{Key: "scope_id", Value: 1},
					{Key: "lock_expiration_time", Value: 1},
				},
				Options: options.Index().SetPartialFilterExpression(bson.M{"exclusive": true}),
			},
			{Keys: bson.D{{Key: "execution_id", Value: 1}}},
			{Keys: bson.D{{Key: "deployment_id", Value: 1}}},
		},
		colScopeLocks: {
			{Keys: bson.D{{Key: "expires", Value: 1}}},
		},
	}
}
