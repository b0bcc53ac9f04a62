package access

import (
	"fmt"
	"path"
	"strings"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
)

type Link struct {
	Label string `json:"label"`
	Href  string `json:"href"`
}

// ModuleVerdict is the outcome of a module guard check.
// When Decision is not an allow, the caller must apply it instead of rendering the module.
// When Denied, the caller renders the informational view described by Message and Links.
// Neither Allowed nor Denied means the session is still loading.
type ModuleVerdict struct {
	Slug     string   `json:"slug"`
	Decision Decision `json:"decision"`
	Allowed  bool     `json:"allowed"`
	Denied   bool     `json:"denied"`
	Message  string   `json:"message,omitempty"`
	Links    []Link   `json:"links,omitempty"`
}

// MultiVerdict is the outcome of a guard check over several modules.
type MultiVerdict struct {
	Slugs      []string        `json:"slugs"`
	RequireAll bool            `json:"require_all"`
	Decision   Decision        `json:"decision"`
	Allowed    bool            `json:"allowed"`
	Denied     bool            `json:"denied"`
	PerSlug    map[string]bool `json:"per_slug"`
	Satisfied  []string        `json:"satisfied"`
	Missing    []string        `json:"missing"`
	Message    string          `json:"message,omitempty"`
	Links      []Link          `json:"links,omitempty"`
}

// Guard checks module-scoped pages against the principal's grants.
type Guard struct {
	resolver *Resolver
}

func NewGuard(resolver *Resolver) *Guard {
	return &Guard{resolver: resolver}
}

func (g *Guard) Resolver() *Resolver {
	return g.resolver
}

// ModulePath returns the location of a module workspace.
func (g *Guard) ModulePath(slug string) string {
	return path.Join(g.resolver.paths.ModulesIndex, slug)
}

// Module decides whether the session may enter the slug module.
func (g *Guard) Module(sess Session, grants Grants, slug string) ModuleVerdict {
	slug = core.CleanString(slug, true /* lower */)
	v := ModuleVerdict{Slug: slug}
	if slug == "" {
		v.Decision = Redirect(g.resolver.paths.TenantHome)
		return v
	}

	v.Decision = g.resolver.Resolve(sess, g.ModulePath(slug))
	if !v.Decision.IsAllow() || sess.Principal == nil {
		return v
	}

	v.Allowed = sess.Principal.Role.IsAdministrative() || HasModule(grants, slug)
	v.Denied = !v.Allowed
	if v.Denied {
		v.Message = fmt.Sprintf("You do not have access to the %q module. Ask your administrator to grant it.", moduleName(slug))
		v.Links = g.links()
	}
	return v
}

// Modules decides whether the session may enter a page needing any (or all, when requireAll) of slugs.
func (g *Guard) Modules(sess Session, grants Grants, slugs []string, requireAll bool) MultiVerdict {
	slugs = dedupe(core.CleanStrings(slugs, true /* lower */))
	v := MultiVerdict{
		Slugs:      slugs,
		RequireAll: requireAll,
		PerSlug:    make(map[string]bool, len(slugs)),
		Satisfied:  make([]string, 0, len(slugs)),
		Missing:    make([]string, 0, len(slugs)),
	}
	if len(slugs) == 0 {
		v.Decision = Redirect(g.resolver.paths.TenantHome)
		return v
	}

	v.Decision = g.resolver.Resolve(sess, g.resolver.paths.ModulesIndex)
	if !v.Decision.IsAllow() || sess.Principal == nil {
		return v
	}

	bypass := sess.Principal.Role.IsAdministrative()
	for _, slug := range slugs {
		ok := bypass || HasModule(grants, slug)
		v.PerSlug[slug] = ok
		if ok {
			v.Satisfied = append(v.Satisfied, slug)
		} else {
			v.Missing = append(v.Missing, slug)
		}
	}
	if requireAll {
		v.Allowed = len(v.Missing) == 0
	} else {
		v.Allowed = len(v.Satisfied) > 0
	}
	v.Denied = !v.Allowed

	if v.Denied {
		names := make([]string, 0, len(v.Missing))
		for _, slug := range v.Missing {
			names = append(names, fmt.Sprintf("%q", moduleName(slug)))
		}
		if requireAll {
			v.Message = fmt.Sprintf("This page needs access to all of these modules. Missing: %s.", strings.Join(names, ", "))
		} else {
			v.Message = fmt.Sprintf("This page needs access to at least one of these modules: %s.", strings.Join(names, ", "))
		}
		v.Links = g.links()
	}
	return v
}

func (g *Guard) links() []Link {
	return []Link{
		{Label: "Back to dashboard", Href: g.resolver.paths.TenantHome},
		{Label: "My modules", Href: g.resolver.paths.ModulesIndex},
	}
}

// HasModule is the pure grant lookup behind Guard.Module.
func HasModule(grants Grants, slug string) bool {
	return grants.Has(slug)
}

// HasModules reports whether grants hold all (requireAll) or any of slugs.
func HasModules(grants Grants, slugs []string, requireAll bool) bool {
	if len(slugs) == 0 {
		return false
	}
	for _, slug := range slugs {
		has := grants.Has(slug)
		if requireAll && !has {
			return false
		}
		if !requireAll && has {
			return true
		}
	}
	return requireAll
}

func moduleName(slug string) string {
	for _, m := range principal.Modules {
		if m.Slug == slug {
			return m.Name
		}
	}
	return slug
}

func dedupe(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
