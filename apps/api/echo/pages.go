package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/livesync"
	"github.com/trezcool/masomo-gate/core/principal"
)

var issueMessages = map[principal.ConfigurationIssue]string{
	principal.IssueNoProfile:   "Your account has no profile yet. Please contact your administrator.",
	principal.IssueNoGroup:     "Your account is not attached to a school group yet. Please contact your administrator.",
	principal.IssueBothMissing: "Your account is not configured yet. Please contact your administrator.",
}

type (
	pageView struct {
		Page      string               `json:"page"`
		Path      string               `json:"path"`
		Principal *principal.Principal `json:"principal,omitempty"`
	}

	interstitialView struct {
		Page    string                       `json:"page"`
		Path    string                       `json:"path"`
		Issue   principal.ConfigurationIssue `json:"issue"`
		Message string                       `json:"message"`
		Status  *livesync.Status             `json:"status,omitempty"`
		Recheck string                       `json:"recheck"`
		Events  string                       `json:"events"`
		Links   []access.Link                `json:"links"`
	}

	moduleIndexItem struct {
		principal.Module
		Href    string `json:"href"`
		Granted bool   `json:"granted"`
	}

	modulePageView struct {
		pageView
		Module principal.Module `json:"module"`
	}

	deniedView struct {
		Page    string        `json:"page"`
		Path    string        `json:"path"`
		Slug    string        `json:"slug"`
		Message string        `json:"message"`
		Links   []access.Link `json:"links"`
	}
)

type pages struct {
	guard  *access.Guard
	paths  core.PathsConfig
	logger core.Logger
}

func registerPages(app *echo.Echo, session echo.MiddlewareFunc, guard *access.Guard, logger core.Logger) {
	pg := pages{guard: guard, paths: guard.Resolver().Paths(), logger: logger}
	routed := app.Group("", session, routeGuardMiddleware(guard.Resolver()))

	routed.GET(pg.paths.Root, pg.render("home"))
	routed.GET(pg.paths.SignIn, pg.render("sign_in"))
	routed.GET(pg.paths.SignOut, pg.signOut)
	routed.GET(pg.paths.Pending, pg.pending)
	routed.GET(pg.paths.AdminHome, pg.render("admin_home"))
	routed.GET(pg.paths.AdminHome+"/*", pg.render("admin"))
	routed.GET(pg.paths.TenantHome, pg.render("tenant_home"))
	routed.GET(pg.paths.ModulesIndex, pg.modulesIndex)
	routed.GET(pg.paths.ModulesIndex+"/:slug", pg.module)
	routed.GET(pg.paths.TenantArea+"/*", pg.render("tenant"))
}

func newPageView(ctx echo.Context, page string) pageView {
	v := pageView{Page: page, Path: ctx.Request().URL.Path}
	if p, err := getContextPrincipal(ctx); err == nil {
		v.Principal = &p
	}
	return v
}

func newInterstitialView(ctx echo.Context, d access.Decision, signOut string) interstitialView {
	v := interstitialView{
		Page:    "pending_configuration",
		Path:    ctx.Request().URL.Path,
		Issue:   d.Issue,
		Message: issueMessages[d.Issue],
		Recheck: "/v1/access/recheck",
		Events:  "/v1/access/events",
		Links:   []access.Link{{Label: "Sign out", Href: signOut}},
	}
	if sess, ok := getContextSession(ctx); ok {
		st := sess.Status()
		v.Status = &st
	}
	return v
}

func (pg pages) render(page string) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, newPageView(ctx, page))
	}
}

// pending renders the interstitial for principals that still need it, and a plain page otherwise.
func (pg pages) pending(ctx echo.Context) error {
	p, err := getContextPrincipal(ctx)
	if err != nil || p.IsConfigured() {
		return ctx.JSON(http.StatusOK, newPageView(ctx, "pending_configuration"))
	}
	d := access.Interstitial(pg.paths.Pending, p.ConfigurationIssue())
	return ctx.JSON(http.StatusOK, newInterstitialView(ctx, d, pg.paths.SignOut))
}

func (pg pages) signOut(ctx echo.Context) error {
	ctx.SetCookie(&http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
	})
	return ctx.Redirect(http.StatusFound, pg.paths.SignIn)
}

func (pg pages) modulesIndex(ctx echo.Context) error {
	sess, ok := getContextSession(ctx)
	if !ok {
		return errUnauthorized
	}
	grants := sess.Store().Grants()
	admin := false
	if p, found := sess.Store().Principal(); found {
		admin = p.Role.IsAdministrative()
	}

	items := make([]moduleIndexItem, 0, len(principal.Modules))
	for _, m := range principal.Modules {
		items = append(items, moduleIndexItem{
			Module:  m,
			Href:    pg.guard.ModulePath(m.Slug),
			Granted: admin || grants.Has(m.Slug),
		})
	}
	return ctx.JSON(http.StatusOK, echo.Map{"page": "modules", "modules": items})
}

// module renders a module workspace. A missing grant is not an error: the principal
// gets an informational page pointing back to the dashboard.
func (pg pages) module(ctx echo.Context) error {
	sess, ok := getContextSession(ctx)
	if !ok {
		return errUnauthorized
	}
	slug := ctx.Param("slug")
	verdict := sess.Module(slug)

	switch {
	case verdict.Allowed:
		m := principal.Module{Slug: verdict.Slug, Name: verdict.Slug}
		for _, known := range principal.Modules {
			if known.Slug == verdict.Slug {
				m = known
			}
		}
		return ctx.JSON(http.StatusOK, modulePageView{pageView: newPageView(ctx, "module"), Module: m})
	case verdict.Denied:
		return ctx.JSON(http.StatusOK, deniedView{
			Page:    "module_denied",
			Path:    ctx.Request().URL.Path,
			Slug:    verdict.Slug,
			Message: verdict.Message,
			Links:   verdict.Links,
		})
	case verdict.Decision.IsRedirect():
		return ctx.Redirect(http.StatusFound, verdict.Decision.Target)
	case verdict.Decision.IsInterstitial():
		return ctx.JSON(http.StatusOK, newInterstitialView(ctx, verdict.Decision, pg.paths.SignOut))
	}
	// still loading
	return ctx.JSON(http.StatusOK, newPageView(ctx, "loading"))
}
