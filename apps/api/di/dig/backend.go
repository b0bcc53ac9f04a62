package dig_container

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
	"github.com/trezcool/masomo-gate/storage/database"
	"github.com/trezcool/masomo-gate/storage/database/inmem"
	"github.com/trezcool/masomo-gate/storage/database/pgfeed"
	"github.com/trezcool/masomo-gate/storage/database/sqlx"
	"github.com/trezcool/masomo-gate/storage/redisfeed"
)

// Realtime drivers
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

const setUpTimeout = 30 * time.Second

// Backend is the records of reference and the change feed announcing their changes.
// Publisher is nil whenever the store announces its own changes.
type Backend struct {
	Repo      principal.Repository
	Feed      realtime.ChangeFeed
	Publisher realtime.Publisher

	closers []func() error
}

// Close releases the connections of the backend in reverse order of opening.
func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func (b *Backend) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// NewBackend opens the backend selected by conf.Realtime.Driver:
//   - postgres: sqlx repositories, changes from the table triggers over LISTEN/NOTIFY
//   - redis: sqlx repositories, changes published by the service on a redis channel
//   - memory: in-memory repositories announcing their own changes
func NewBackend(conf *core.Config, dbLogger core.Logger) (*Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setUpTimeout)
	defer cancel()

	b := new(Backend)
	switch conf.Realtime.Driver {
	case DriverMemory:
		db, err := inmemdb.Open()
		if err != nil {
			return nil, err
		}
		b.Repo = inmemdb.NewPrincipalRepository(db)
		b.Feed = db.Feed()
		return b, nil

	case DriverPostgres, DriverRedis:
		db, err := setUpDB(ctx, conf)
		if err != nil {
			return nil, err
		}
		b.onClose(db.Close)
		b.Repo = sqlxrepos.NewPrincipalRepository(db)

		if conf.Realtime.Driver == DriverPostgres {
			// the triggers always notify on database.NotifyChannel, Realtime.Channel is for redis
			feed, err := pgfeed.Open(conf.Database.URL(), database.NotifyChannel, dbLogger)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			b.onClose(feed.Close)
			b.Feed = feed
			return b, nil
		}

		opts, err := redis.ParseURL(conf.Realtime.RedisURL)
		if err != nil {
			_ = b.Close()
			return nil, errors.Wrap(err, "parsing redis URL")
		}
		client := redis.NewClient(opts)
		b.onClose(client.Close)
		feed, err := redisfeed.Open(ctx, client, conf.Realtime.Channel, dbLogger)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.onClose(feed.Close)
		b.Feed = feed
		b.Publisher = redisfeed.NewPublisher(client, conf.Realtime.Channel)
		return b, nil
	}
	return nil, fmt.Errorf("unknown realtime driver %q", conf.Realtime.Driver)
}

func setUpDB(ctx context.Context, conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
