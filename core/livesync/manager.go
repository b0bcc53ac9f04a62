package livesync

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
)

const pollConcurrency = 4

// Manager shares one live Session per principal between all of its holders
// (open pages, event streams), and refreshes them periodically.
type Manager struct {
	dir    Directory
	feed   realtime.ChangeFeed
	guard  *access.Guard
	logger core.Logger
	opts   Options

	ctx       context.Context
	cancel    context.CancelFunc
	cron      *cron.Cron
	directory *DirectoryWatcher

	mu       sync.Mutex
	sessions map[string]*Session

	recordsMu sync.Mutex
	records   realtime.Subscription
}

func NewManager(dir Directory, feed realtime.ChangeFeed, guard *access.Guard, logger core.Logger, opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dir:       dir,
		feed:      feed,
		guard:     guard,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		directory: NewDirectoryWatcher(dir, feed, logger, opts.DebounceWindow),
		sessions:  make(map[string]*Session),
	}

	if opts.PollSchedule != "-" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(opts.PollSchedule, m.poll); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "parsing poll schedule %q", opts.PollSchedule)
		}
	}
	return m, nil
}

// Start starts the fallback poll.
func (m *Manager) Start() {
	if m.cron != nil {
		m.cron.Start()
	}
}

// Stop stops the poll and closes every session.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.cancel()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.unwatchRecords()
	m.directory.Close()
}

func (m *Manager) Directory() *DirectoryWatcher {
	return m.directory
}

func (m *Manager) Guard() *access.Guard {
	return m.guard
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Acquire returns the live session of a principal, loading it on first use.
// release must be called exactly once when the caller is done with the session;
// the session is torn down when its last holder releases it.
func (m *Manager) Acquire(ctx context.Context, principalID string) (sess *Session, release func(), err error) {
	m.mu.Lock()
	s, found := m.sessions[principalID]
	if !found {
		s = m.newSession(principalID)
		m.sessions[principalID] = s
	}
	s.holders++
	m.mu.Unlock()
	if !found {
		m.watchRecords()
	}

	var once sync.Once
	release = func() {
		once.Do(func() { m.release(s) })
	}

	if !found {
		s.err = s.open(ctx)
		if s.err != nil {
			m.mu.Lock()
			if m.sessions[principalID] == s {
				delete(m.sessions, principalID)
			}
			m.mu.Unlock()
			m.unwatchRecords()
		}
		close(s.ready)
	} else {
		select {
		case <-s.ready:
		case <-ctx.Done():
			release()
			return nil, nil, ctx.Err()
		}
	}

	if s.err != nil {
		release()
		return nil, nil, s.err
	}
	return s, release, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	s.holders--
	last := s.holders == 0
	if last && m.sessions[s.principalID] == s {
		delete(m.sessions, s.principalID)
	}
	m.mu.Unlock()

	if last {
		s.close()
		m.unwatchRecords()
	}
}

// Refresh refreshes every live session from the records of reference.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.eachSession(ctx, func(ctx context.Context, s *Session) error {
		return s.Refresh(ctx)
	})
}

// eachSession calls fn for every loaded session, a few at a time.
func (m *Manager) eachSession(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].principalID < sessions[j].principalID })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			select {
			case <-s.ready:
			case <-gctx.Done():
				return gctx.Err()
			}
			if s.err != nil {
				return nil
			}
			return fn(gctx, s)
		})
	}
	return g.Wait()
}

// watchRecords keeps a single subscription to every principal change while sessions are live.
// A blocked principal is followed by its own StatusWatcher; the others get their role and
// profile changes from here.
func (m *Manager) watchRecords() {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	if m.records != nil || m.Len() == 0 {
		return
	}
	sub, err := m.feed.Subscribe(m.ctx, realtime.TablePrincipals, realtime.Filter{}, m.dispatchRecord)
	if err != nil {
		m.logger.Warn("livesync: could not subscribe to principal changes, relying on polls", err)
		return
	}
	m.records = sub
}

func (m *Manager) unwatchRecords() {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	if m.records == nil || (m.Len() > 0 && m.ctx.Err() == nil) {
		return
	}
	if err := m.records.Close(); err != nil {
		m.logger.Warn("livesync: closing principal subscription", err)
	}
	m.records = nil
}

func (m *Manager) dispatchRecord(change realtime.Change) {
	if change.Op == realtime.OpResync {
		go m.recheckUnwatched()
		return
	}

	// undecodable rows are reported by the watchers following them
	patch, err := principal.DecodePatch(change.Row())
	if err != nil || patch.ID == "" {
		return
	}
	m.mu.Lock()
	s := m.sessions[patch.ID]
	m.mu.Unlock()
	if s == nil || s.status.Subscribed() {
		return
	}
	s.status.handle(change)
}

// recheckUnwatched rereads the principals whose own record is not followed, after a reconnect.
func (m *Manager) recheckUnwatched() {
	ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
	defer cancel()

	err := m.eachSession(ctx, func(ctx context.Context, s *Session) error {
		if s.status.Subscribed() {
			return nil
		}
		_, err := s.status.RecheckNow(ctx)
		return err
	})
	if err != nil && m.ctx.Err() == nil {
		m.logger.Warn("livesync: recheck after resync failed", err)
	}
}

func (m *Manager) poll() {
	ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
	defer cancel()
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("livesync: periodic refresh failed", err)
	}
}

func (m *Manager) newSession(principalID string) *Session {
	store := access.NewStore()
	target := m.guard.Resolver().Paths().TenantHome
	return &Session{
		principalID: principalID,
		manager:     m,
		store:       store,
		status:      NewStatusWatcher(principalID, store, m.dir, m.feed, m.logger, m.opts.UnlockDelay, target),
		grants:      NewGrantWatcher(principalID, store, m.dir, m.feed, m.logger),
		ready:       make(chan struct{}),
	}
}

// Session is the live access state of one principal.
type Session struct {
	principalID string
	manager     *Manager
	store       *access.Store
	status      *StatusWatcher
	grants      *GrantWatcher

	holders int // guarded by manager.mu
	ready   chan struct{}
	err     error
}

func (s *Session) PrincipalID() string { return s.principalID }

func (s *Session) Store() *access.Store { return s.store }

func (s *Session) Status() Status {
	st := s.status.Status()
	st.Live = st.Live && s.grants.Live()
	return st
}

// Decision resolves location against the current state of the session.
func (s *Session) Decision(location string) access.Decision {
	return s.manager.guard.Resolver().Resolve(s.store.Session(), location)
}

// Module reports whether the principal may enter the slug module, from the current grants.
func (s *Session) Module(slug string) access.ModuleVerdict {
	snap := s.store.Snapshot()
	return s.manager.guard.Module(snap.Session, snap.Grants, slug)
}

func (s *Session) Modules(slugs []string, requireAll bool) access.MultiVerdict {
	snap := s.store.Snapshot()
	return s.manager.guard.Modules(snap.Session, snap.Grants, slugs, requireAll)
}

// OnUnlock registers fn to be called with the tenant home once the principal's
// configuration is complete and the unlock delay elapsed.
func (s *Session) OnUnlock(fn func(target string)) (remove func()) {
	return s.status.OnUnlock(fn)
}

// Watch forwards every store mutation to fn. See access.Store.Watch.
func (s *Session) Watch(fn func(access.Snapshot)) (unwatch func()) {
	return s.store.Watch(fn)
}

// RecheckNow re-reads the principal record on demand.
func (s *Session) RecheckNow(ctx context.Context) (Status, error) {
	if _, err := s.status.RecheckNow(ctx); err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// Refresh re-reads the principal record and its grants.
func (s *Session) Refresh(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.status.RecheckNow(gctx)
		return err
	})
	g.Go(func() error {
		return s.grants.Refresh(gctx)
	})
	return g.Wait()
}

func (s *Session) open(ctx context.Context) error {
	// subscribe first: changes pushed during the load are replayed on top of it
	s.grants.Subscribe(s.manager.ctx)
	s.status.Subscribe(s.manager.ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.status.Load(gctx)
	})
	g.Go(func() error {
		return s.grants.Refresh(gctx)
	})
	if err := g.Wait(); err != nil {
		s.close()
		return err
	}

	s.status.Start(s.manager.ctx)
	return nil
}

func (s *Session) close() {
	s.status.Close()
	s.grants.Close()
}
