package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/tenant"
)

const defaultSuggestions = 3

type tenantDebugResponse struct {
	Context        tenant.Context    `json:"context"`
	Valid          bool              `json:"valid"`
	ServiceAddress directory.Address `json:"service_address,omitempty"`
	TenantURL      string            `json:"tenant_url,omitempty"`
	DevTenant      string            `json:"dev_tenant,omitempty"`
}

func (s *server) registerTenantAPI(g *echo.Group) {
	g.GET("/tenants", s.listTenants)
	g.GET("/tenants/suggest", s.suggestTenants)
	g.GET("/tenant", s.tenantDebug)
}

// Handlers

func (s *server) listTenants(ctx echo.Context) error {
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	tenants, err := s.deps.Locator.Tenants(rctx)
	if err != nil {
		return errors.Wrap(err, "listing tenants")
	}
	return ctx.JSON(http.StatusOK, tenants)
}

// suggestTenants returns the tenants closest to ?q=, at most ?n= of them.
func (s *server) suggestTenants(ctx echo.Context) error {
	n := defaultSuggestions
	if raw := ctx.QueryParam("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be a positive integer")
		}
		n = v
	}

	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	tenants, err := s.deps.Locator.Suggest(rctx, ctx.QueryParam("q"), n)
	if err != nil {
		return errors.Wrap(err, "suggesting tenants")
	}
	return ctx.JSON(http.StatusOK, tenants)
}

// tenantDebug reports how the request's host resolves. It does no remote call.
func (s *server) tenantDebug(ctx echo.Context) error {
	req := ctx.Request()
	tc := s.deps.Resolver.Resolve(req.Host, req.URL.RawQuery)
	resp := tenantDebugResponse{
		Context:   tc,
		Valid:     tc.Validate() == nil,
		DevTenant: devTenant(ctx),
	}
	if resp.Valid {
		resp.ServiceAddress, _ = s.deps.Locator.Cached(tc.ID.String)
		resp.TenantURL = s.deps.Resolver.TenantURL(tc.ID.String, "/", tc.IsLocalDev)
	}
	return ctx.JSON(http.StatusOK, resp)
}
