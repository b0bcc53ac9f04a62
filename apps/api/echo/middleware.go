package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-gate/core/access"
)

const contextDecisionKey = "decision"

// adminMiddleware only lets administrative principals through.
func adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		p, err := getContextPrincipal(ctx)
		if err != nil {
			return err
		}
		if !p.Role.IsAdministrative() {
			return errHttpForbidden
		}
		return next(ctx)
	}
}

// routeGuardMiddleware is the single place page routes are resolved: it computes the
// decision once per request and redirects, renders the interstitial, or lets the page render.
func routeGuardMiddleware(resolver *access.Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			d := resolver.Resolve(getAccessSession(ctx), ctx.Request().URL.Path)
			ctx.Set(contextDecisionKey, d)

			switch d.Kind {
			case access.KindRedirect:
				return ctx.Redirect(http.StatusFound, d.Target)
			case access.KindInterstitial:
				return ctx.JSON(http.StatusOK, newInterstitialView(ctx, d, resolver.Paths().SignOut))
			}
			return next(ctx)
		}
	}
}
