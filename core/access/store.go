package access

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-gate/core/principal"
)

var (
	ErrNoPrincipal       = errors.New("no principal loaded")
	ErrPrincipalMismatch = errors.New("record does not belong to the loaded principal")
)

// Grants is a set of module slugs.
type Grants map[string]struct{}

func NewGrants(slugs ...string) Grants {
	g := make(Grants, len(slugs))
	for _, s := range slugs {
		g[s] = struct{}{}
	}
	return g
}

func (g Grants) Has(slug string) bool {
	_, ok := g[slug]
	return ok
}

// Slugs returns the granted slugs, sorted.
func (g Grants) Slugs() []string {
	slugs := make([]string, 0, len(g))
	for s := range g {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	return slugs
}

func (g Grants) clone() Grants {
	c := make(Grants, len(g))
	for s := range g {
		c[s] = struct{}{}
	}
	return c
}

// Snapshot is an immutable copy of the Store state at Version.
type Snapshot struct {
	Version uint64
	Session Session
	Grants  Grants
}

// Store holds the cached session and module grants of one principal.
//
// Every mutation is fully applied before watchers are called with the resulting snapshot,
// and notifications are delivered one mutation at a time, in mutation order.
// Watchers must neither mutate the Store nor unwatch from within the callback.
type Store struct {
	mu      sync.RWMutex
	version uint64
	sess    Session
	grants  Grants

	notifyMu    sync.Mutex // serializes mutation + notification
	watchers    map[int]func(Snapshot)
	nextWatcher int
}

func NewStore() *Store {
	return &Store{
		sess:     Loading(),
		grants:   NewGrants(),
		watchers: make(map[int]func(Snapshot)),
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) Session() Session {
	return s.Snapshot().Session
}

func (s *Store) Principal() (principal.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess.Principal == nil {
		return principal.Principal{}, false
	}
	return *s.sess.Principal, true
}

func (s *Store) Grants() Grants {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants.clone()
}

func (s *Store) HasGrant(slug string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants.Has(slug)
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch registers fn to be called after every mutation. The returned func unregisters it.
func (s *Store) Watch(fn func(Snapshot)) (unwatch func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.nextWatcher++
	id := s.nextWatcher
	s.watchers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			delete(s.watchers, id)
			s.notifyMu.Unlock()
		})
	}
}

func (s *Store) SetSession(sess Session) {
	s.mutate(func() bool {
		if sess.Principal != nil {
			p := *sess.Principal
			sess.Principal = &p
		}
		s.sess = sess
		return true
	})
}

// SetPrincipal replaces the cached principal and marks the session authenticated.
func (s *Store) SetPrincipal(p principal.Principal) {
	s.SetSession(Authenticated(p))
}

// MergePrincipal applies patch to the cached principal. It reports whether anything changed.
func (s *Store) MergePrincipal(patch principal.Patch) (bool, error) {
	var err error
	changed := s.mutate(func() bool {
		if s.sess.Principal == nil {
			err = ErrNoPrincipal
			return false
		}
		if patch.ID != "" && patch.ID != s.sess.Principal.ID {
			err = ErrPrincipalMismatch
			return false
		}
		p := *s.sess.Principal
		if !p.Merge(patch) {
			return false
		}
		s.sess.Principal = &p
		return true
	})
	return changed, err
}

// Clear forgets the session and grants, e.g. on sign-out.
func (s *Store) Clear() {
	s.mutate(func() bool {
		s.sess = Unauthenticated()
		s.grants = NewGrants()
		return true
	})
}

// SetGrants replaces the whole grant set.
func (s *Store) SetGrants(slugs ...string) bool {
	return s.mutate(func() bool {
		next := NewGrants(slugs...)
		if sameGrants(s.grants, next) {
			return false
		}
		s.grants = next
		return true
	})
}

// ApplyGrant adds (granted) or removes slug. It reports whether the set changed.
func (s *Store) ApplyGrant(slug string, granted bool) bool {
	return s.mutate(func() bool {
		if s.grants.Has(slug) == granted {
			return false
		}
		next := s.grants.clone()
		if granted {
			next[slug] = struct{}{}
		} else {
			delete(next, slug)
		}
		s.grants = next
		return true
	})
}

func (s *Store) mutate(fn func() bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := fn()
	if changed {
		s.version++
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		ids := make([]int, 0, len(s.watchers))
		for id := range s.watchers {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			s.watchers[id](snap)
		}
	}
	return changed
}

func (s *Store) snapshotLocked() Snapshot {
	sess := s.sess
	if sess.Principal != nil {
		p := *sess.Principal
		sess.Principal = &p
	}
	return Snapshot{Version: s.version, Session: sess, Grants: s.grants.clone()}
}

func sameGrants(a, b Grants) bool {
	if len(a) != len(b) {
		return false
	}
	for s := range a {
		if !b.Has(s) {
			return false
		}
	}
	return true
}
