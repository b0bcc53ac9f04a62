package access

import (
	"path"
	"strings"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
)

func DefaultPaths() core.PathsConfig {
	return core.PathsConfig{
		SignIn:       "/auth/sign-in",
		SignOut:      "/auth/sign-out",
		Pending:      "/pending-configuration",
		Root:         "/",
		AdminHome:    "/admin",
		TenantHome:   "/tenant/dashboard",
		TenantArea:   "/tenant",
		ModulesIndex: "/tenant/modules",
	}
}

// Resolver maps a session and a location to a Decision.
// It is safe for concurrent use.
type Resolver struct {
	paths    core.PathsConfig
	excluded []string
	logger   core.Logger

	topAdminPriority int
}

func NewResolver(paths core.PathsConfig, logger core.Logger) *Resolver {
	paths = withDefaults(paths)
	return &Resolver{
		paths:            paths,
		excluded:         []string{paths.SignIn, paths.SignOut, paths.Pending},
		logger:           logger,
		topAdminPriority: principal.MaxRolePriority(principal.AdminRoles...),
	}
}

func (r *Resolver) Paths() core.PathsConfig {
	return r.paths
}

// Resolve never fails: anything it cannot make sense of ends on the sign-in page
// or the pending-configuration interstitial.
func (r *Resolver) Resolve(sess Session, location string) Decision {
	p := CleanPath(location)

	for _, excl := range r.excluded {
		if p == excl {
			return Allow()
		}
	}

	switch sess.Status {
	case AuthLoading:
		return Allow()
	case AuthAuthenticated:
		if sess.Principal == nil {
			return Allow()
		}
	default:
		return Redirect(r.paths.SignIn)
	}

	prin := sess.Principal
	switch prin.Role.Class() {
	case principal.ClassAdministrative:
		if prin.Role.Priority() >= r.topAdminPriority && underPath(p, r.paths.TenantArea) {
			return Redirect(r.paths.AdminHome)
		}
		if p == r.paths.Root {
			return Redirect(r.paths.AdminHome)
		}
		return Allow()

	case principal.ClassTenant:
		if issue := prin.ConfigurationIssue(); issue != principal.IssueNone {
			return Interstitial(r.paths.Pending, issue)
		}
		if underPath(p, r.paths.AdminHome) || p == r.paths.Root {
			return Redirect(r.paths.TenantHome)
		}
		return Allow()

	default:
		r.warnUnknownRole(*prin)
		return Interstitial(r.paths.Pending, principal.IssueBothMissing)
	}
}

// State places the session in the access state machine.
func (r *Resolver) State(sess Session) State {
	switch sess.Status {
	case AuthLoading:
		return StateLoading
	case AuthAuthenticated:
		if sess.Principal == nil {
			return StateLoading
		}
	default:
		return StateUnauthenticated
	}

	if sess.Principal.Role.IsAdministrative() {
		return StateAdminHome
	}
	if sess.Principal.IsConfigured() {
		return StateTenantHome
	}
	return StateTenantPending
}

// Home returns where a session lands when it opens the application root.
func (r *Resolver) Home(sess Session) string {
	d := r.Resolve(sess, r.paths.Root)
	if d.Kind == KindAllow {
		return r.paths.Root
	}
	return d.Target
}

func (r *Resolver) warnUnknownRole(p principal.Principal) {
	if r.logger == nil {
		return
	}
	extra := map[string]interface{}{"role": string(p.Role)}
	if suggestion, ok := principal.SuggestRole(string(p.Role)); ok {
		extra["did_you_mean"] = string(suggestion)
	}
	r.logger.Warn("access: unrecognized role, treating principal as unconfigured", extra, p)
}

// CleanPath strips the query and fragment of location and returns it as a clean rooted path.
func CleanPath(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	location = strings.TrimSpace(location)
	if !strings.HasPrefix(location, "/") {
		location = "/" + location
	}
	return path.Clean(location)
}

// underPath reports whether p is prefix or one of its subpaths.
func underPath(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func withDefaults(paths core.PathsConfig) core.PathsConfig {
	def := DefaultPaths()
	set := func(dst *string, fallback string) {
		if *dst == "" {
			*dst = fallback
		} else {
			*dst = CleanPath(*dst)
		}
	}
	set(&paths.SignIn, def.SignIn)
	set(&paths.SignOut, def.SignOut)
	set(&paths.Pending, def.Pending)
	set(&paths.Root, def.Root)
	set(&paths.AdminHome, def.AdminHome)
	set(&paths.TenantHome, def.TenantHome)
	set(&paths.TenantArea, def.TenantArea)
	set(&paths.ModulesIndex, def.ModulesIndex)
	return paths
}
