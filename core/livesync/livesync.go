// Package livesync keeps the cached principal and module grants of access.Store
// in step with the records of the backend, using change notifications.
//
// The change feed only lowers latency: every watcher can be brought up to date with
// an explicit refresh, and Manager polls live sessions as a fallback.
package livesync

import (
	"context"
	"time"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
)

// Directory reads the records of reference. Any principal.Repository is one.
type Directory interface {
	GetPrincipalByID(ctx context.Context, id string) (principal.Principal, error)
	ListModuleGrants(ctx context.Context, principalID string) ([]principal.ModuleGrant, error)
	QueryPrincipals(ctx context.Context, filter *principal.QueryFilter, ordering []core.DBOrdering) ([]principal.Principal, error)
}

const (
	DefaultUnlockDelay    = 1500 * time.Millisecond
	DefaultDebounceWindow = 250 * time.Millisecond
	DefaultPollSchedule   = "@every 90s"

	refreshTimeout = 10 * time.Second
)

type Options struct {
	// UnlockDelay is how long the unlocked indicator shows before navigating into the tenant area.
	UnlockDelay time.Duration
	// DebounceWindow coalesces bursts of principal list invalidations.
	DebounceWindow time.Duration
	// PollSchedule is the cron spec of the fallback refresh of live sessions. "-" disables it.
	PollSchedule string
}

func OptionsFromConfig(conf core.RealtimeConfig) Options {
	return Options{
		UnlockDelay:    conf.UnlockDelay,
		DebounceWindow: conf.DebounceWindow,
		PollSchedule:   conf.PollSchedule,
	}
}

func (o Options) withDefaults() Options {
	if o.UnlockDelay <= 0 {
		o.UnlockDelay = DefaultUnlockDelay
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = DefaultDebounceWindow
	}
	if o.PollSchedule == "" {
		o.PollSchedule = DefaultPollSchedule
	}
	return o
}

func grantSlugs(grants []principal.ModuleGrant) []string {
	slugs := make([]string, 0, len(grants))
	for _, g := range grants {
		slugs = append(slugs, g.Module)
	}
	return slugs
}
