package orchestro

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/petrijr/orchestro/internal/config"
	"github.com/petrijr/orchestro/internal/persistence"
)

type closer func(ctx context.Context) error

// storeOpener is replaced in tests.
var storeOpener = openStore

// openStore connects the configured workflow store. The returned closer
// releases the underlying connection and is never nil.
func openStore(ctx context.Context, cfg config.StoreConfig) (persistence.WorkflowStore, closer, error) {
	noop := func(context.Context) error { return nil }

	var (
		store persistence.WorkflowStore
		done  closer = noop
	)
	switch cfg.Backend {
	case config.BackendMemory, "":
		store = persistence.NewInMemoryStore()

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		s, err := persistence.NewSQLiteWorkflowStore(db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		store, done = s, func(context.Context) error { return db.Close() }

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("ping postgres: %w", err)
		}
		s, err := persistence.NewPostgresWorkflowStore(db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		store, done = s, func(context.Context) error { return db.Close() }

	case config.BackendRedis:
		client := newRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		store = persistence.NewRedisWorkflowStore(client, cfg.Redis.Prefix)
		done = func(context.Context) error { return client.Close() }

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, noop, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, noop, fmt.Errorf("ping mongo: %w", err)
		}
		store = persistence.NewMongoWorkflowStore(client, cfg.Mongo.Database, cfg.Mongo.Collection)
		done = client.Disconnect

	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if cfg.Cache.Enabled {
		store = persistence.NewCachedStore(store, persistence.CacheConfig{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL})
	}
	return store, done, nil
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
