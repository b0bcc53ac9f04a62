package livesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
)

// DirectoryWatcher keeps principal lists live for administrators.
// While held, it listens to every principal change, drops its cached lists and
// notifies OnInvalidate listeners, at most once per debounce window.
type DirectoryWatcher struct {
	dir    Directory
	feed   realtime.ChangeFeed
	logger core.Logger

	debounce *debouncer
	group    singleflight.Group

	mu        sync.Mutex
	holders   int
	sub       realtime.Subscription
	cache     map[string][]principal.Principal
	gen       uint64
	listeners map[int]func()
	nextID    int
}

func NewDirectoryWatcher(dir Directory, feed realtime.ChangeFeed, logger core.Logger, window time.Duration) *DirectoryWatcher {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	w := &DirectoryWatcher{
		dir:       dir,
		feed:      feed,
		logger:    logger,
		cache:     make(map[string][]principal.Principal),
		listeners: make(map[int]func()),
	}
	w.debounce = newDebouncer(window, w.notify)
	return w
}

// Acquire keeps the watcher listening until the returned func is called.
// The subscription is opened by the first holder, retried by the next ones while it is down,
// and closed when the last one releases.
func (w *DirectoryWatcher) Acquire(ctx context.Context) (release func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.holders++
	if w.sub == nil {
		// first holder, or the previous attempts failed
		w.subscribeLocked(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(w.release)
	}
}

func (w *DirectoryWatcher) release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.holders--
	if w.holders > 0 {
		return
	}
	if w.sub != nil {
		if err := w.sub.Close(); err != nil {
			w.logger.Warn("livesync: closing directory subscription", err)
		}
		w.sub = nil
	}
	w.invalidateLocked()
}

// Holders returns the number of viewers currently holding the watcher.
func (w *DirectoryWatcher) Holders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holders
}

// Live reports whether principal changes are being received.
func (w *DirectoryWatcher) Live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

// OnInvalidate registers fn to be called after (a burst of) principal changes.
func (w *DirectoryWatcher) OnInvalidate(fn func()) (remove func()) {
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

// List returns the principals matching filter, from cache when it is still valid.
// Lists are only cached while the watcher is held, since nothing would invalidate them otherwise.
func (w *DirectoryWatcher) List(ctx context.Context, filter *principal.QueryFilter, ordering []core.DBOrdering) ([]principal.Principal, error) {
	key := cacheKey(filter, ordering)

	w.mu.Lock()
	if cached, ok := w.cache[key]; ok {
		w.mu.Unlock()
		return clonePrincipals(cached), nil
	}
	gen, held := w.gen, w.sub != nil
	w.mu.Unlock()

	v, err, _ := w.group.Do(fmt.Sprintf("%d|%s", gen, key), func() (interface{}, error) {
		return w.dir.QueryPrincipals(ctx, filter, ordering)
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying principals")
	}
	principals := v.([]principal.Principal)

	if held {
		w.mu.Lock()
		// a change arrived while querying: the result may already be stale
		if w.gen == gen && w.sub != nil {
			w.cache[key] = principals
		}
		w.mu.Unlock()
	}
	return clonePrincipals(principals), nil
}

// Invalidate drops the cached lists and schedules a notification, like a pushed change does.
func (w *DirectoryWatcher) Invalidate() {
	w.mu.Lock()
	w.invalidateLocked()
	w.mu.Unlock()
	w.debounce.Trigger()
}

func (w *DirectoryWatcher) Close() {
	w.debounce.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		_ = w.sub.Close()
		w.sub = nil
	}
	w.holders = 0
	w.invalidateLocked()
}

func (w *DirectoryWatcher) subscribeLocked(ctx context.Context) {
	sub, err := w.feed.Subscribe(ctx, realtime.TablePrincipals, realtime.Filter{}, w.handle)
	if err != nil {
		w.logger.Warn("livesync: could not subscribe to principal changes, lists are not live", err)
		return
	}
	w.sub = sub
}

func (w *DirectoryWatcher) handle(change realtime.Change) {
	w.mu.Lock()
	held := w.holders > 0
	w.mu.Unlock()
	if held {
		w.Invalidate()
	}
}

func (w *DirectoryWatcher) invalidateLocked() {
	w.gen++
	if len(w.cache) > 0 {
		w.cache = make(map[string][]principal.Principal)
	}
}

func (w *DirectoryWatcher) notify() {
	w.mu.Lock()
	ids := make([]int, 0, len(w.listeners))
	for id := range w.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.listeners[id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func cacheKey(filter *principal.QueryFilter, ordering []core.DBOrdering) string {
	var sb strings.Builder
	if filter != nil {
		pending := "-"
		if filter.Pending != nil {
			pending = fmt.Sprint(*filter.Pending)
		}
		fmt.Fprintf(&sb, "%q|%q|%q|%s", filter.Search, strings.Join(filter.Roles, ","), filter.TenantGroupID, pending)
	}
	for _, ord := range ordering {
		sb.WriteString("|" + ord.String())
	}
	return sb.String()
}

func clonePrincipals(principals []principal.Principal) []principal.Principal {
	return append(make([]principal.Principal, 0, len(principals)), principals...)
}
