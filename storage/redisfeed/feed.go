// Package redisfeed carries change notifications over redis pub/sub, for deployments
// where the writers publish their changes instead of relying on database triggers.
package redisfeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/realtime"
)

const retryInterval = time.Second

// Publisher publishes changes on a redis channel.
type Publisher struct {
	client  redis.UniversalClient
	channel string
}

var _ realtime.Publisher = (*Publisher)(nil)

func NewPublisher(client redis.UniversalClient, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, change realtime.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return errors.Wrap(err, "marshalling change")
	}
	if err = p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Feed delivers the changes published on a redis channel. Every re-subscription after
// a dropped connection is reported to the subscribers as a realtime.OpResync change.
type Feed struct {
	realtime.Registry

	pubsub *redis.PubSub
	logger core.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

var _ realtime.ChangeFeed = (*Feed)(nil)

// Open subscribes to channel and waits for redis to confirm the subscription.
func Open(ctx context.Context, client redis.UniversalClient, channel string, logger core.Logger) (*Feed, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "subscribing to %s", channel)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f := &Feed{pubsub: pubsub, logger: logger, cancel: cancel, closed: make(chan struct{})}
	f.wg.Add(1)
	go f.run(runCtx)
	return f, nil
}

func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		msg, err := f.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("redisfeed: receive", errors.Wrap(err, "receiving from redis"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryInterval):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			// the client re-subscribes on its own after a reconnect
			if m.Kind == "subscribe" {
				f.Resync()
			}
		case *redis.Message:
			f.handle(m.Payload)
		}
	}
}

func (f *Feed) handle(payload string) {
	var change realtime.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		f.logger.Warn("redisfeed: dropping message", errors.Wrap(err, "decoding change"))
		return
	}
	f.Dispatch(change)
}

func (f *Feed) Subscribe(ctx context.Context, table string, filter realtime.Filter, fn realtime.Handler) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-f.closed:
		return nil, errors.New("redisfeed: feed closed")
	default:
	}
	return f.Add(table, filter, fn), nil
}

func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		f.cancel()
		err = f.pubsub.Close()
		f.wg.Wait()
	})
	return err
}
