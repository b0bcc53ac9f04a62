package echoapi

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field == "" {
			continue
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// bindQueryFilter reads a principal.QueryFilter from the query string. Unparsable values are ignored.
func bindQueryFilter(ctx echo.Context) *principal.QueryFilter {
	data := ctx.QueryParams()
	filter := &principal.QueryFilter{
		Search:        data.Get("search"),
		Roles:         data["role"],
		TenantGroupID: data.Get("tenant_group_id"),
	}
	if raw := data.Get("pending"); raw != "" {
		if pending, err := strconv.ParseBool(raw); err == nil {
			filter.Pending = &pending
		}
	}
	filter.Clean()
	return filter
}

// bindSlugs accepts both repeated and comma separated slug params.
func bindSlugs(ctx echo.Context) []string {
	slugs := make([]string, 0)
	for _, v := range ctx.QueryParams()["slug"] {
		for _, s := range strings.Split(v, ",") {
			if s = core.CleanString(s, true /* lower */); s != "" {
				slugs = append(slugs, s)
			}
		}
	}
	return slugs
}
