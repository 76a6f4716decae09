package echoapi

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// SandboxAuthorizePath stands in for the identity provider's login page.
const SandboxAuthorizePath = "/sandbox/authorize"

// sandboxAuthorize logs in immediately: it mints a credential for ?principal= (a fresh one when empty)
// and returns to the callback the way a provider would.
func (s *server) sandboxAuthorize(ctx echo.Context) error {
	if s.deps.Sandbox == nil {
		return errSandboxMissing
	}
	state, nonce := ctx.QueryParam("state"), ctx.QueryParam("nonce")
	if state == "" || nonce == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state and nonce are required")
	}

	token, err := s.deps.Sandbox.Issue(ctx.QueryParam("principal"), nonce)
	if err != nil {
		return errors.Wrap(err, "issuing sandbox credential")
	}
	q := url.Values{}
	q.Set("state", state)
	q.Set("id_token", token)
	return ctx.Redirect(http.StatusFound, s.deps.Conf.Identity.RedirectPath+"?"+q.Encode())
}
