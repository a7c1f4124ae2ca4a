// Package platform opens the process-scoped client handles (MongoDB, Redis,
// SQLite) once at startup and tears them down in reverse order at shutdown.
// Components receive the handles explicitly; nothing here is global.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"
	gomongo "go.mongodb.org/mongo-driver/mongo"

	"trading-radar/config"
	"trading-radar/internal/logger"
	"trading-radar/internal/metrics"
	"trading-radar/internal/model"
	"trading-radar/internal/store/memory"
	"trading-radar/internal/store/mongo"
	"trading-radar/internal/store/redis"
	"trading-radar/internal/store/sqlite"
)

// Options selects the optional handles a process needs.
type Options struct {
	Redis   bool
	Journal bool
}

// Clients are the opened handles. Mongo, Redis and Journal are nil when not
// configured or not requested.
type Clients struct {
	Mongo   *gomongo.Client
	Redis   *goredis.Client
	Journal *sqlite.Journal

	Automation model.AutomationStore
	Watchlist  model.WatchlistStore
	Runs       model.RunJournal

	log     *slog.Logger
	closers []func(context.Context) error
}

// Open connects everything cfg configures. Without MONGO_URI the stores fall
// back to a process-local in-memory store, which is only suitable for
// development. On error every handle opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, opts Options) (c *Clients, err error) {
	c = &Clients{log: logger.Component("platform")}
	defer func() {
		if err != nil {
			c.Close(context.Background())
			c = nil
		}
	}()

	var mem *memory.Store
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return c, err
		}
		c.Mongo = client
		c.closers = append(c.closers, client.Disconnect)

		store := mongo.New(client, cfg.MongoDB)
		if err := store.EnsureIndexes(ctx); err != nil {
			return c, fmt.Errorf("platform: mongo indexes: %w", err)
		}
		c.Automation, c.Watchlist = store, store
		c.log.Info("mongo connected", "db", cfg.MongoDB)
	} else {
		mem = memory.New()
		c.Automation, c.Watchlist = mem, mem
		c.log.Warn("MONGO_URI not set, using in-memory store")
	}

	if opts.Redis && cfg.RedisAddr != "" {
		rdb, err := redis.Connect(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return c, err
		}
		c.Redis = rdb
		c.closers = append(c.closers, func(context.Context) error { return rdb.Close() })
		c.log.Info("redis connected", "addr", cfg.RedisAddr)
	}

	if opts.Journal {
		if cfg.SQLitePath != "" {
			j, err := sqlite.Open(cfg.SQLitePath)
			if err != nil {
				return c, err
			}
			c.Journal = j
			c.Runs = j
			c.closers = append(c.closers, func(context.Context) error { return j.Close() })
			c.log.Info("run journal opened", "path", cfg.SQLitePath)
		} else if mem != nil {
			c.Runs = mem
		}
	}
	return c, nil
}

// Probes returns the handles for the liveness checker.
func (c *Clients) Probes() metrics.Probes {
	p := metrics.Probes{Redis: c.Redis, Mongo: c.Mongo}
	if c.Journal != nil {
		p.SQLite = c.Journal.DB()
	}
	return p
}

// Close tears the handles down in reverse order of opening.
func (c *Clients) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("close", "error", err)
		return err
	}
	return nil
}
