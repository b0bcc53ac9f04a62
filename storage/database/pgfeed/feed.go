// Package pgfeed delivers the change notifications emitted by the postgres triggers.
package pgfeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/realtime"
)

const (
	minReconnectInterval = 500 * time.Millisecond
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

type (
	listener interface {
		Listen(channel string) error
		NotificationChannel() <-chan *pq.Notification
		Ping() error
		Close() error
	}

	// Feed fans out the notifications received on one LISTEN channel.
	// A reconnect is reported to every subscriber as a realtime.OpResync change.
	Feed struct {
		realtime.Registry

		listener listener
		logger   core.Logger
		wg       sync.WaitGroup
		done     chan struct{}
		once     sync.Once
	}
)

var _ realtime.ChangeFeed = (*Feed)(nil)

// Open starts listening on channel with its own connection to dsn.
func Open(dsn, channel string, logger core.Logger) (*Feed, error) {
	onEvent := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("pgfeed: listener event", errors.Wrapf(err, "event %d", ev))
		}
	}
	l := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, onEvent)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "listening on %s", channel)
	}
	return newFeed(l, logger), nil
}

func newFeed(l listener, logger core.Logger) *Feed {
	f := &Feed{listener: l, logger: logger, done: make(chan struct{})}
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Feed) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	notifications := f.listener.NotificationChannel()
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				// reconnected: whatever was sent meanwhile is lost
				f.Resync()
				continue
			}
			f.handle(n.Extra)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn("pgfeed: ping", errors.Wrap(err, "pinging listener connection"))
				}
			}()
		}
	}
}

// Decode parses a trigger payload.
func Decode(payload string) (realtime.Change, error) {
	var change realtime.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return realtime.Change{}, errors.Wrap(err, "decoding notification")
	}
	if change.Table == "" || change.Op == "" {
		return realtime.Change{}, errors.New("notification without table or op")
	}
	if string(change.Record) == "null" {
		change.Record = nil
	}
	if string(change.Old) == "null" {
		change.Old = nil
	}
	return change, nil
}

func (f *Feed) handle(payload string) {
	change, err := Decode(payload)
	if err != nil {
		f.logger.Warn("pgfeed: dropping notification", err)
		return
	}
	f.Dispatch(change)
}

func (f *Feed) Subscribe(ctx context.Context, table string, filter realtime.Filter, fn realtime.Handler) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-f.done:
		return nil, errors.New("pgfeed: feed closed")
	default:
	}
	return f.Add(table, filter, fn), nil
}

// Close stops listening. Open subscriptions stay valid but receive nothing more.
func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.listener.Close()
		f.wg.Wait()
	})
	return err
}
