package echoapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/livesync"
	"github.com/trezcool/masomo-gate/core/principal"
)

const contextObjectKey = "object"

var errObjectNotInCtx = errors.New("principal object not found in echo.Context")

type (
	principalApi struct {
		service  principal.ServiceInterface
		dir      *livesync.DirectoryWatcher
		validate *validator.Validate
	}

	ModulesResponse struct {
		Modules []string `json:"modules"`
	}

	DeleteResponse struct {
		Deleted int `json:"deleted"`
	}

	directoryEvent struct {
		Live bool `json:"live"`
	}
)

func registerPrincipalAPI(g *echo.Group, svc principal.ServiceInterface, dir *livesync.DirectoryWatcher, validate *validator.Validate) {
	api := principalApi{service: svc, dir: dir, validate: validate}

	pg := g.Group("/principals", authRequiredMiddleware, adminMiddleware)
	pg.GET("", api.principalQuery)
	pg.POST("", api.principalCreate)
	pg.DELETE("", api.principalDestroyMultiple)
	pg.GET("/events", api.principalEvents)

	// detail endpoints
	dg := pg.Group("/:id", objectMiddleware(svc))
	dg.GET("", api.principalRetrieve)
	dg.PUT("", api.principalUpdate)
	dg.DELETE("", api.principalDestroy)
	dg.GET("/modules", api.moduleList)
	dg.PUT("/modules/:slug", api.moduleGrant)
	dg.DELETE("/modules/:slug", api.moduleRevoke)
}

func registerCatalogAPI(g *echo.Group) {
	cg := g.Group("", authRequiredMiddleware)
	cg.GET("/roles", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, principal.Roles)
	})
	cg.GET("/modules", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, principal.Modules)
	})
	cg.GET("/profiles", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, principal.Profiles)
	})
}

// Handlers

// principalQuery reads through the live directory cache.
func (api *principalApi) principalQuery(ctx echo.Context) error {
	ord := new(Ordering)
	ord.Bind(ctx)

	principals, err := api.dir.List(ctx.Request().Context(), bindQueryFilter(ctx), ord.Orderings)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, principals)
}

func (api *principalApi) principalCreate(ctx echo.Context) error {
	data := new(principal.NewPrincipal)
	if err := ctx.Bind(data); err != nil {
		return err
	}
	if err := data.Validate(ctx.Request().Context(), api.validate, api.service); err != nil {
		return err
	}

	// ctxPrincipal cannot create a role more privileged than their own
	actor, err := getContextPrincipal(ctx)
	if err != nil {
		return err
	}
	if data.Role.Priority() > actor.Role.Priority() {
		return core.NewValidationError(principal.ErrRoleForbidden, core.FieldError{Field: "role", Error: principal.ErrRoleForbidden.Error()})
	}

	p, err := api.service.Create(ctx.Request().Context(), *data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, p)
}

func (api *principalApi) principalRetrieve(ctx echo.Context) error {
	p, ok := ctx.Get(contextObjectKey).(principal.Principal)
	if !ok {
		return errObjectNotInCtx
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *principalApi) principalUpdate(ctx echo.Context) error {
	orig, ok := ctx.Get(contextObjectKey).(principal.Principal)
	if !ok {
		return errObjectNotInCtx
	}
	actor, err := getContextPrincipal(ctx)
	if err != nil {
		return err
	}

	data := new(principal.UpdatePrincipal)
	if err := ctx.Bind(data); err != nil {
		return err
	}
	if err := data.Validate(ctx.Request().Context(), orig, api.validate, api.service); err != nil {
		return err
	}

	p, err := api.service.Update(ctx.Request().Context(), orig, *data, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *principalApi) principalDestroy(ctx echo.Context) error {
	p, ok := ctx.Get(contextObjectKey).(principal.Principal)
	if !ok {
		return errObjectNotInCtx
	}

	// ctxPrincipal cannot delete themselves
	actor, err := getContextPrincipal(ctx)
	if err != nil {
		return err
	}
	if p.ID == actor.ID {
		return errHttpForbidden
	}

	if _, err := api.service.Delete(ctx.Request().Context(), p.ID); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *principalApi) principalDestroyMultiple(ctx echo.Context) error {
	ids := ctx.QueryParams()["id"]
	if len(ids) == 0 {
		return ctx.JSON(http.StatusOK, DeleteResponse{})
	}

	actor, err := getContextPrincipal(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == actor.ID {
			return errHttpForbidden
		}
	}

	cnt, err := api.service.Delete(ctx.Request().Context(), ids...)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, DeleteResponse{Deleted: cnt})
}

func (api *principalApi) moduleList(ctx echo.Context) error {
	p, ok := ctx.Get(contextObjectKey).(principal.Principal)
	if !ok {
		return errObjectNotInCtx
	}
	modules, err := api.service.Modules(ctx.Request().Context(), p.ID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, ModulesResponse{Modules: modules})
}

func (api *principalApi) moduleGrant(ctx echo.Context) error {
	p, ok := ctx.Get(contextObjectKey).(principal.Principal)
	if !ok {
		return errObjectNotInCtx
	}
	g, err := api.service.Grant(ctx.Request().Context(), p.ID, ctx.Param("slug"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, g)
}

func (api *principalApi) moduleRevoke(ctx echo.Context) error {
	p, ok := ctx.Get(contextObjectKey).(principal.Principal)
	if !ok {
		return errObjectNotInCtx
	}
	if err := api.service.Revoke(ctx.Request().Context(), p.ID, ctx.Param("slug")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

// principalEvents tells admin screens when their principal listings went stale.
// Holding the stream open keeps the directory subscribed.
func (api *principalApi) principalEvents(ctx echo.Context) error {
	release := api.dir.Acquire(ctx.Request().Context())
	defer release()

	invalidated := make(chan struct{}, 1)
	remove := api.dir.OnInvalidate(func() { kick(invalidated) })
	defer remove()

	stream := openEventStream(ctx)
	if err := stream.send("ready", directoryEvent{Live: api.dir.Live()}); err != nil {
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
		case <-invalidated:
			err = stream.send("invalidate", directoryEvent{Live: api.dir.Live()})
		case <-heartbeat.C:
			err = stream.ping()
		}
		if err != nil {
			return nil
		}
	}
}

func objectMiddleware(svc principal.ServiceInterface) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			p, err := svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
			if err != nil {
				if errors.Cause(err) == principal.ErrNotFound {
					return errHttpNotFound
				}
				return err
			}
			ctx.Set(contextObjectKey, p)
			return next(ctx)
		}
	}
}
