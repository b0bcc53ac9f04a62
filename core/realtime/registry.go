package realtime

import (
	"sort"
	"sync"
)

// Registry fans changes out to the matching handlers. Feed implementations embed it.
type Registry struct {
	mu     sync.RWMutex
	subs   map[int]*registration
	nextID int
}

type registration struct {
	table  string
	filter Filter
	fn     Handler
}

type registrySub struct {
	once sync.Once
	r    *Registry
	id   int
}

func (s *registrySub) Close() error {
	s.once.Do(func() {
		s.r.mu.Lock()
		delete(s.r.subs, s.id)
		s.r.mu.Unlock()
	})
	return nil
}

func (r *Registry) Add(table string, filter Filter, fn Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs == nil {
		r.subs = make(map[int]*registration)
	}
	r.nextID++
	r.subs[r.nextID] = &registration{table: table, filter: filter, fn: fn}
	return &registrySub{r: r, id: r.nextID}
}

// Dispatch calls every matching handler, in subscription order, outside the lock.
func (r *Registry) Dispatch(change Change) {
	for _, fn := range r.matching(change) {
		fn(change)
	}
}

// Resync notifies every subscriber of every table that it may have missed changes.
func (r *Registry) Resync() {
	r.mu.RLock()
	tables := make(map[string]struct{})
	for _, reg := range r.subs {
		tables[reg.table] = struct{}{}
	}
	r.mu.RUnlock()

	for table := range tables {
		r.Dispatch(Change{Table: table, Op: OpResync})
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Tables lists the tables with at least one subscriber.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	tables := make([]string, 0)
	for _, reg := range r.subs {
		if _, ok := seen[reg.table]; !ok {
			seen[reg.table] = struct{}{}
			tables = append(tables, reg.table)
		}
	}
	sort.Strings(tables)
	return tables
}

func (r *Registry) matching(change Change) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.subs))
	for id, reg := range r.subs {
		if change.Matches(reg.table, reg.filter) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id].fn)
	}
	return fns
}
