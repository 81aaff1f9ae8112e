package cli

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/store"
	"github.com/xraph/jobservice/store/breaker"
	"github.com/xraph/jobservice/store/memory"
	"github.com/xraph/jobservice/store/mongo"
	"github.com/xraph/jobservice/store/postgres"
	"github.com/xraph/jobservice/store/redis"
)

// ownedStore closes the client connection the CLI opened for a backend
// whose Close leaves the client to its owner.
type ownedStore struct {
	store.Store
	release func() error
}

func (o ownedStore) Close() error {
	err := o.Store.Close()
	if rerr := o.release(); err == nil {
		err = rerr
	}
	return err
}

// openStore connects to the backend selected by the global flags. The
// returned store is pinged, migrated when --migrate is set, and wrapped
// in a circuit breaker unless --breaker-threshold is 0.
func openStore(ctx context.Context, g *globals, logger *slog.Logger) (store.Store, error) {
	s, err := connect(ctx, g, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: %w", jobservice.ErrStoreUnavailable, g.backend, err)
	}
	if g.migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if g.breaker > 0 && g.backend != "memory" {
		s = breaker.New(s, g.backend, breaker.WithLogger(logger), breaker.WithFailureThreshold(g.breaker))
	}
	return s, nil
}

func connect(ctx context.Context, g *globals, logger *slog.Logger) (store.Store, error) {
	if g.backend != "memory" && g.dsn == "" {
		return nil, fmt.Errorf("--dsn is required for the %s store", g.backend)
	}

	switch g.backend {
	case "memory":
		return memory.New(), nil

	case "postgres":
		return postgres.New(ctx, g.dsn, postgres.WithLogger(logger))

	case "redis":
		opts, err := goredis.ParseURL(g.dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		return ownedStore{Store: redis.New(client, redis.WithLogger(logger)), release: client.Close}, nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(g.dsn))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		release := func() error { return client.Disconnect(context.WithoutCancel(ctx)) }
		return ownedStore{Store: mongo.New(client, g.database, mongo.WithLogger(logger)), release: release}, nil
	}
	return nil, fmt.Errorf("unknown store %q", g.backend)
}
