package inmemdb

import (
	"context"
	"sync"

	"github.com/trezcool/masomo-gate/core/realtime"
)

// Feed delivers changes synchronously, in publish order.
type Feed struct {
	realtime.Registry

	mu           sync.Mutex
	subscribeErr error
}

var (
	_ realtime.ChangeFeed = (*Feed)(nil)
	_ realtime.Publisher  = (*Feed)(nil)
)

func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) Subscribe(ctx context.Context, table string, filter realtime.Filter, fn realtime.Handler) (realtime.Subscription, error) {
	f.mu.Lock()
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	return f.Add(table, filter, fn), nil
}

func (f *Feed) Publish(_ context.Context, change realtime.Change) error {
	f.Dispatch(change)
	return nil
}

// FailSubscriptions makes every following Subscribe call return err, until called with nil.
func (f *Feed) FailSubscriptions(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}
