package livesync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
)

// Status is the live configuration status of a principal.
type Status struct {
	Issue      principal.ConfigurationIssue `json:"issue"`
	IsChecking bool                         `json:"is_checking"`
	// Unlocked is set once a blocked principal became fully configured.
	Unlocked bool `json:"unlocked"`
	// Live reports whether change notifications are being received.
	Live bool `json:"live"`
}

// StatusWatcher follows the principal's own record while its configuration is incomplete,
// and asks for navigation into the tenant area once it is complete.
type StatusWatcher struct {
	principalID string
	store       *access.Store
	dir         Directory
	feed        realtime.ChangeFeed
	logger      core.Logger
	unlockDelay time.Duration
	target      string

	group singleflight.Group
	queue changeQueue

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sub         realtime.Subscription
	feedDown    bool
	started     bool
	checking    int
	blocked     bool
	unlocked    bool
	unlockGen   int
	unlockTimer *time.Timer
	listeners   map[int]func(target string)
	nextID      int
	closed      bool
}

// NewStatusWatcher creates a watcher for the principal cached in store.
// target is where OnUnlock listeners are asked to navigate.
func NewStatusWatcher(
	principalID string,
	store *access.Store,
	dir Directory,
	feed realtime.ChangeFeed,
	logger core.Logger,
	unlockDelay time.Duration,
	target string,
) *StatusWatcher {
	if unlockDelay <= 0 {
		unlockDelay = DefaultUnlockDelay
	}
	return &StatusWatcher{
		principalID: principalID,
		store:       store,
		dir:         dir,
		feed:        feed,
		logger:      logger,
		unlockDelay: unlockDelay,
		target:      target,
		listeners:   make(map[int]func(string)),
	}
}

// Subscribe listens to the principal's record ahead of Start, so that nothing is missed
// while it is loaded. ctx bounds the lifetime of the watcher.
func (w *StatusWatcher) Subscribe(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(ctx)
	}
	w.subscribeLocked()
}

// Load reads the principal record into the store, replacing whatever is cached.
func (w *StatusWatcher) Load(ctx context.Context) error {
	var p principal.Principal
	return w.queue.read(func() (err error) {
		p, err = w.dir.GetPrincipalByID(ctx, w.principalID)
		return errors.Wrap(err, "fetching principal")
	}, func() error {
		w.store.SetPrincipal(p)
		return nil
	}, w.replay)
}

// Start evaluates the cached principal and keeps listening to its record only if it is not
// configured yet. ctx bounds the lifetime of the watcher.
func (w *StatusWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.closed || w.started {
		w.mu.Unlock()
		return
	}
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(ctx)
	}
	w.started = true
	w.mu.Unlock()

	w.sync()
}

// Close tears down the subscription and cancels a pending unlock navigation.
func (w *StatusWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.unsubscribeLocked()
	if w.unlockTimer != nil {
		w.unlockTimer.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *StatusWatcher) Status() Status {
	issue := principal.IssueBothMissing
	if p, ok := w.store.Principal(); ok {
		issue = p.ConfigurationIssue()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Issue:      issue,
		IsChecking: w.checking > 0,
		Unlocked:   w.unlocked,
		Live:       !w.feedDown,
	}
}

// Subscribed reports whether the principal's record is being listened to.
func (w *StatusWatcher) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

// OnUnlock registers fn to be called with the navigation target, UnlockDelay after
// the principal's configuration became complete.
func (w *StatusWatcher) OnUnlock(fn func(target string)) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// RecheckNow re-reads the principal record and applies it like a pushed change.
// Concurrent calls share a single read. On failure, the cached principal is kept.
func (w *StatusWatcher) RecheckNow(ctx context.Context) (Status, error) {
	w.mu.Lock()
	w.checking++
	w.mu.Unlock()

	_, err, _ := w.group.Do(w.principalID, func() (interface{}, error) {
		var (
			p    principal.Principal
			gone bool
		)
		return nil, w.queue.read(func() (err error) {
			p, err = w.dir.GetPrincipalByID(ctx, w.principalID)
			if errors.Cause(err) == principal.ErrNotFound {
				gone = true
				return nil
			}
			return errors.Wrap(err, "fetching principal")
		}, func() error {
			if gone {
				w.store.Clear()
				return nil
			}
			_, err := w.store.MergePrincipal(p.Patch())
			return errors.Wrap(err, "merging principal")
		}, w.replay)
	})

	w.mu.Lock()
	w.checking--
	w.mu.Unlock()
	if err != nil {
		return w.Status(), err
	}

	w.sync()
	return w.Status(), nil
}

func (w *StatusWatcher) handle(change realtime.Change) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if change.Op == realtime.OpResync {
		// off the feed's goroutine: a reconnect resyncs every live session at once
		go w.resync()
		return
	}
	if w.queue.hold(change) {
		return
	}
	if w.apply(change) {
		w.sync()
	}
}

func (w *StatusWatcher) resync() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if _, err := w.RecheckNow(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("livesync: recheck after resync failed", err, map[string]interface{}{"principal_id": w.principalID})
	}
}

// apply merges a pushed change into the store. It reports whether it was applied.
func (w *StatusWatcher) apply(change realtime.Change) bool {
	if change.Op == realtime.OpDelete {
		w.store.Clear()
		return true
	}

	patch, err := principal.DecodePatch(change.Record)
	if err == nil {
		_, err = w.store.MergePrincipal(patch)
	}
	if err != nil {
		w.logger.Warn("livesync: ignoring principal change", err, map[string]interface{}{"principal_id": w.principalID, "op": string(change.Op)})
		return false
	}
	return true
}

func (w *StatusWatcher) replay(change realtime.Change) {
	w.apply(change)
}

// sync (un)subscribes and detects the unlock transition from the cached principal.
func (w *StatusWatcher) sync() {
	p, loaded := w.store.Principal()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.started {
		return
	}

	if !loaded {
		w.unsubscribeLocked()
		return
	}

	if !p.IsConfigured() {
		if w.unlocked || w.unlockTimer != nil {
			// configuration was taken back before or after the unlock
			w.unlocked = false
			w.cancelUnlockLocked()
		}
		w.blocked = true
		w.subscribeLocked()
		return
	}

	w.unsubscribeLocked()
	if w.blocked && !w.unlocked {
		w.blocked = false
		w.unlocked = true
		w.scheduleUnlockLocked()
	}
}

func (w *StatusWatcher) subscribeLocked() {
	if w.sub != nil {
		return
	}
	sub, err := w.feed.Subscribe(w.ctx, realtime.TablePrincipals, realtime.Eq("id", w.principalID), w.handle)
	if err != nil {
		w.logger.Warn("livesync: could not subscribe to principal changes, relying on rechecks", err, map[string]interface{}{"principal_id": w.principalID})
		w.feedDown = true
		return
	}
	w.sub = sub
	w.feedDown = false
}

func (w *StatusWatcher) unsubscribeLocked() {
	if w.sub == nil {
		return
	}
	if err := w.sub.Close(); err != nil {
		w.logger.Warn("livesync: closing principal subscription", err)
	}
	w.sub = nil
}

func (w *StatusWatcher) scheduleUnlockLocked() {
	w.unlockGen++
	gen := w.unlockGen
	w.unlockTimer = time.AfterFunc(w.unlockDelay, func() { w.fireUnlock(gen) })
}

func (w *StatusWatcher) cancelUnlockLocked() {
	w.unlockGen++
	if w.unlockTimer != nil {
		w.unlockTimer.Stop()
		w.unlockTimer = nil
	}
}

func (w *StatusWatcher) fireUnlock(gen int) {
	w.mu.Lock()
	if w.closed || gen != w.unlockGen {
		w.mu.Unlock()
		return
	}
	w.unlockTimer = nil
	ids := make([]int, 0, len(w.listeners))
	for id := range w.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(string), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, w.listeners[id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(w.target)
	}
}
