package inmemdb

import (
	"context"
	"sync"

	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
)

type (
	// DB keeps principals and module grants in memory. Like the postgres triggers,
	// it emits a realtime.Change on its Feed after every committed write.
	DB struct {
		principals *principalTable
		grants     *grantTable
		feed       *Feed
	}

	principalTable struct {
		table map[string]*principal.Principal
		mutex sync.RWMutex
	}

	// grantTable is keyed by principal ID, then module slug.
	grantTable struct {
		table map[string]map[string]principal.ModuleGrant
		mutex sync.RWMutex
	}
)

func Open() (*DB, error) {
	db := &DB{
		principals: &principalTable{table: make(map[string]*principal.Principal)},
		grants:     &grantTable{table: make(map[string]map[string]principal.ModuleGrant)},
		feed:       NewFeed(),
	}
	return db, nil
}

// Feed returns the change feed fed by this DB's writes.
func (db *DB) Feed() *Feed {
	return db.feed
}

// Reset drops every row without emitting changes.
func (db *DB) Reset() {
	db.principals.mutex.Lock()
	db.principals.table = make(map[string]*principal.Principal)
	db.principals.mutex.Unlock()

	db.grants.mutex.Lock()
	db.grants.table = make(map[string]map[string]principal.ModuleGrant)
	db.grants.mutex.Unlock()
}

func (db *DB) emit(table string, op realtime.Operation, record, old interface{}) {
	change, err := realtime.NewChange(table, op, record, old)
	if err != nil {
		return
	}
	_ = db.feed.Publish(context.Background(), change)
}
