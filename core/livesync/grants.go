package livesync

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
)

// GrantWatcher applies module grant changes of one principal to the store.
type GrantWatcher struct {
	principalID string
	store       *access.Store
	dir         Directory
	feed        realtime.ChangeFeed
	logger      core.Logger

	queue changeQueue

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	sub    realtime.Subscription
	closed bool
}

func NewGrantWatcher(principalID string, store *access.Store, dir Directory, feed realtime.ChangeFeed, logger core.Logger) *GrantWatcher {
	return &GrantWatcher{
		principalID: principalID,
		store:       store,
		dir:         dir,
		feed:        feed,
		logger:      logger,
	}
}

// Subscribe starts listening to the principal's grants. A failure is logged and reported
// through Live; Refresh keeps working.
func (w *GrantWatcher) Subscribe(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.sub != nil {
		return
	}
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(ctx)
	}
	sub, err := w.feed.Subscribe(w.ctx, realtime.TableModuleGrants, realtime.Eq("principal_id", w.principalID), w.handle)
	if err != nil {
		w.logger.Warn("livesync: could not subscribe to module grant changes, relying on refreshes", err, map[string]interface{}{"principal_id": w.principalID})
		return
	}
	w.sub = sub
}

func (w *GrantWatcher) Live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

func (w *GrantWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	if w.sub != nil {
		if err := w.sub.Close(); err != nil {
			w.logger.Warn("livesync: closing grant subscription", err)
		}
		w.sub = nil
	}
	if w.cancel != nil {
		w.cancel()
	}
}

// Refresh replaces the cached grants with the ones of record, and retries a failed subscription.
func (w *GrantWatcher) Refresh(ctx context.Context) error {
	w.mu.Lock()
	retry := !w.closed && w.sub == nil && w.ctx != nil
	w.mu.Unlock()
	if retry {
		w.Subscribe(ctx)
	}

	var grants []principal.ModuleGrant
	return w.queue.read(func() (err error) {
		grants, err = w.dir.ListModuleGrants(ctx, w.principalID)
		return errors.Wrap(err, "listing module grants")
	}, func() error {
		w.store.SetGrants(grantSlugs(grants)...)
		return nil
	}, w.apply)
}

func (w *GrantWatcher) handle(change realtime.Change) {
	w.mu.Lock()
	ctx, closed := w.ctx, w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if change.Op == realtime.OpResync {
		// off the feed's goroutine: a reconnect resyncs every live session at once
		go w.resync(ctx)
		return
	}
	if w.queue.hold(change) {
		return
	}
	w.apply(change)
}

func (w *GrantWatcher) resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("livesync: grant refresh after resync failed", err, map[string]interface{}{"principal_id": w.principalID})
	}
}

// apply adds or removes the module of a pushed change. UPDATE revokes the old row and grants the new one.
func (w *GrantWatcher) apply(change realtime.Change) {
	if change.Op == realtime.OpDelete || change.Op == realtime.OpUpdate {
		if err := w.applyRecord(change.Old, false); err != nil && change.Op == realtime.OpDelete {
			w.logger.Warn("livesync: ignoring grant change", err, map[string]interface{}{"principal_id": w.principalID, "op": string(change.Op)})
		}
	}
	if change.Op == realtime.OpInsert || change.Op == realtime.OpUpdate {
		if err := w.applyRecord(change.Record, true); err != nil {
			w.logger.Warn("livesync: ignoring grant change", err, map[string]interface{}{"principal_id": w.principalID, "op": string(change.Op)})
		}
	}
}

func (w *GrantWatcher) applyRecord(data []byte, granted bool) error {
	rec, err := principal.DecodeGrant(data)
	if err != nil {
		return err
	}
	if rec.PrincipalID != w.principalID {
		return nil
	}
	w.store.ApplyGrant(rec.Module, granted)
	return nil
}
