// Package realtime describes record change notifications and the feeds delivering them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"

	// OpResync is emitted after a transport reconnect: notifications may have been missed,
	// subscribers should refetch whatever they cache.
	OpResync Operation = "RESYNC"
)

// Tables
const (
	TablePrincipals   = "principals"
	TableModuleGrants = "module_grants"
)

// Change is one row-level change notification.
type Change struct {
	Table  string          `json:"table"`
	Op     Operation       `json:"op"`
	Record json.RawMessage `json:"record,omitempty"`
	Old    json.RawMessage `json:"old_record,omitempty"`
}

func NewChange(table string, op Operation, record, old interface{}) (Change, error) {
	change := Change{Table: table, Op: op}
	var err error
	if record != nil {
		if change.Record, err = json.Marshal(record); err != nil {
			return Change{}, errors.Wrap(err, "marshalling record")
		}
	}
	if old != nil {
		if change.Old, err = json.Marshal(old); err != nil {
			return Change{}, errors.Wrap(err, "marshalling old record")
		}
	}
	return change, nil
}

// Row returns the record a filter should be checked against: the new row, or the old one on delete.
func (c Change) Row() json.RawMessage {
	if c.Op == OpDelete || len(c.Record) == 0 || string(c.Record) == "null" {
		return c.Old
	}
	return c.Record
}

// Matches reports whether a subscriber to table with filter should receive the change.
func (c Change) Matches(table string, filter Filter) bool {
	if c.Table != table {
		return false
	}
	if c.Op == OpResync || filter.IsZero() {
		return true
	}
	return filter.Match(c.Row()) || (c.Op == OpUpdate && filter.Match(c.Old))
}

// Filter restricts a subscription to the rows whose Column equals Value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	return f.Column + "=eq." + f.Value
}

// Match checks the filter against a JSON encoded row.
func (f Filter) Match(row json.RawMessage) bool {
	if f.IsZero() {
		return true
	}
	if len(row) == 0 {
		return false
	}
	var cols map[string]interface{}
	if err := json.Unmarshal(row, &cols); err != nil {
		return false
	}
	v, ok := cols[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

type (
	Handler func(Change)

	// Subscription is closed by whoever opened it, exactly once.
	Subscription interface {
		Close() error
	}

	// ChangeFeed delivers the changes of table matching filter to fn until the subscription is closed.
	// ctx only bounds the setup of the subscription.
	ChangeFeed interface {
		Subscribe(ctx context.Context, table string, filter Filter, fn Handler) (Subscription, error)
	}

	Publisher interface {
		Publish(ctx context.Context, change Change) error
	}
)
