package echoapi

import (
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/route"
)

// pageView describes the page to render when no static bundle is served.
type pageView struct {
	Path          string             `json:"path"`
	Decision      route.Decision     `json:"decision"`
	Auth          auth.Snapshot      `json:"auth"`
	DefaultTenant string             `json:"default_tenant,omitempty"`
	Suggestions   []directory.Tenant `json:"suggestions,omitempty"`
}

const suggestionCount = 3

// page guards every portal page through the route table.
func (s *server) page(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	path := ctx.Request().URL.Path
	snap := sess.machine.Snapshot()
	dec := s.routes.Decide(path, snap)

	switch dec.Action {
	case route.Redirect:
		return ctx.Redirect(http.StatusFound, dec.Target)
	case route.Loading:
		return ctx.JSON(http.StatusAccepted, pageView{Path: path, Decision: dec, Auth: snap})
	}

	if dir := s.deps.Conf.Server.StaticDir; dir != "" {
		return ctx.File(filepath.Join(dir, "index.html"))
	}
	view := pageView{Path: path, Decision: dec, Auth: snap}
	if path == route.TenantSelector {
		view.DefaultTenant = devTenant(ctx)
		view.Suggestions = s.suggestFor(ctx, snap)
	}
	return ctx.JSON(http.StatusOK, view)
}

// suggestFor offers the closest tenant names when the requested tenant does not exist.
func (s *server) suggestFor(ctx echo.Context, snap auth.Snapshot) []directory.Tenant {
	if snap.Error == nil || snap.Error.Kind != core.KindTenantNotFound || !snap.Tenant.ID.Valid {
		return nil
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	tenants, err := s.deps.Locator.Suggest(rctx, snap.Tenant.ID.String, suggestionCount)
	if err != nil {
		s.deps.Logger.Warn("suggesting tenants", err)
		return nil
	}
	return tenants
}
