package echoapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
)

var heartbeatInterval = 25 * time.Second

const unlockNotice = "Your account is now configured. Taking you to your dashboard."

type (
	accessApi struct {
		guard  *access.Guard
		logger core.Logger
	}

	StateResponse struct {
		State access.State `json:"state"`
		Home  string       `json:"home"`
	}

	noticeEvent struct {
		Message string `json:"message"`
	}

	navigateEvent struct {
		Target string `json:"target"`
	}
)

func registerAccessAPI(g *echo.Group, guard *access.Guard, logger core.Logger) {
	api := accessApi{guard: guard, logger: logger}

	ag := g.Group("/access")
	ag.GET("/decision", api.decision)
	ag.GET("/state", api.state)
	ag.GET("/modules", api.modules)
	ag.GET("/modules/:slug", api.module)

	// live session endpoints
	ag.GET("/status", api.status, authRequiredMiddleware)
	ag.POST("/recheck", api.recheck, authRequiredMiddleware)
	ag.GET("/events", api.events, authRequiredMiddleware)
}

func (api *accessApi) location(ctx echo.Context) string {
	if loc := ctx.QueryParam("path"); loc != "" {
		return loc
	}
	return api.guard.Resolver().Paths().Root
}

func (api *accessApi) decision(ctx echo.Context) error {
	d := api.guard.Resolver().Resolve(getAccessSession(ctx), api.location(ctx))
	return ctx.JSON(http.StatusOK, d)
}

func (api *accessApi) state(ctx echo.Context) error {
	sess := getAccessSession(ctx)
	resolver := api.guard.Resolver()
	return ctx.JSON(http.StatusOK, StateResponse{State: resolver.State(sess), Home: resolver.Home(sess)})
}

func (api *accessApi) module(ctx echo.Context) error {
	if sess, ok := getContextSession(ctx); ok {
		return ctx.JSON(http.StatusOK, sess.Module(ctx.Param("slug")))
	}
	return ctx.JSON(http.StatusOK, api.guard.Module(access.Unauthenticated(), access.NewGrants(), ctx.Param("slug")))
}

func (api *accessApi) modules(ctx echo.Context) error {
	slugs := bindSlugs(ctx)
	requireAll, _ := strconv.ParseBool(ctx.QueryParam("require_all"))

	if sess, ok := getContextSession(ctx); ok {
		return ctx.JSON(http.StatusOK, sess.Modules(slugs, requireAll))
	}
	return ctx.JSON(http.StatusOK, api.guard.Modules(access.Unauthenticated(), access.NewGrants(), slugs, requireAll))
}

func (api *accessApi) status(ctx echo.Context) error {
	sess, _ := getContextSession(ctx)
	return ctx.JSON(http.StatusOK, sess.Status())
}

// recheck re-reads the principal record on demand. On failure the cached state is kept.
func (api *accessApi) recheck(ctx echo.Context) error {
	sess, _ := getContextSession(ctx)
	st, err := sess.RecheckNow(ctx.Request().Context())
	if err != nil {
		api.logger.Warn("recheck failed", err)
		return &echo.HTTPError{Code: http.StatusServiceUnavailable, Message: "could not check your account, try again", Internal: err}
	}
	return ctx.JSON(http.StatusOK, st)
}

// events streams the decision for ?path= every time it changes, until the client goes away.
// Once a pending principal gets configured, a notice then a navigate event are sent.
func (api *accessApi) events(ctx echo.Context) error {
	sess, _ := getContextSession(ctx)
	location := api.location(ctx)

	changed := make(chan struct{}, 1)
	unwatch := sess.Watch(func(access.Snapshot) { kick(changed) })
	defer unwatch()

	unlocked := make(chan string, 1)
	remove := sess.OnUnlock(func(target string) {
		select {
		case unlocked <- target:
		default:
		}
	})
	defer remove()

	stream := openEventStream(ctx)
	last := sess.Decision(location)
	if err := stream.send("decision", last); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := ctx.Request().Context().Done()
	for {
		var err error
		select {
		case <-done:
			return nil
		case <-changed:
			if d := sess.Decision(location); d != last {
				last = d
				err = stream.send("decision", d)
			}
		case target := <-unlocked:
			if err = stream.send("notice", noticeEvent{Message: unlockNotice}); err == nil {
				err = stream.send("navigate", navigateEvent{Target: target})
			}
			location = target
			last = sess.Decision(location)
		case <-heartbeat.C:
			err = stream.ping()
		}
		if err != nil {
			// client gone
			return nil
		}
	}
}
