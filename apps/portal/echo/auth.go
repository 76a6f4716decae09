package echoapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/route"
)

type (
	stateResponse struct {
		Auth     auth.Snapshot   `json:"auth"`
		Decision *route.Decision `json:"decision,omitempty"`
	}

	loginResponse struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
)

// loginSettled holds once a login attempt and the checks following it are over.
func loginSettled(snap auth.Snapshot) bool {
	return !snap.LoginPending && snap.Settled()
}

func (s *server) registerAuthAPI(g *echo.Group, sess echo.MiddlewareFunc) {
	ag := g.Group("/auth", sess)
	ag.GET("/state", s.authState)
	ag.POST("/login", s.beginLogin)
	ag.POST("/cancel", s.cancelLogin)
	ag.POST("/logout", s.logout)
	ag.POST("/refresh", s.refresh)

	// browser-facing flow
	s.app.GET("/auth/login", s.loginRedirect, sess)
	// the provider posts back cross-site, without the session cookie
	s.app.GET(s.deps.Conf.Identity.RedirectPath, s.loginCallback)
	s.app.POST(s.deps.Conf.Identity.RedirectPath, s.loginCallback)
}

// Handlers

// authState returns the current snapshot. With ?path= it also returns the route decision for path.
func (s *server) authState(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	resp := stateResponse{Auth: sess.machine.Snapshot()}
	if path := ctx.QueryParam("path"); path != "" {
		dec := s.routes.Decide(path, resp.Auth)
		resp.Decision = &dec
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (s *server) startLogin(ctx echo.Context, sess *session) (identity.Challenge, error) {
	ch, err := sess.machine.BeginLogin(ctx.Request().Context())
	if err != nil {
		return identity.Challenge{}, err
	}
	s.sessions.bindLogin(sess, ch.State)
	return ch, nil
}

func (s *server) beginLogin(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	ch, err := s.startLogin(ctx, sess)
	if err != nil {
		return errors.Wrap(err, "beginning login")
	}
	return ctx.JSON(http.StatusOK, loginResponse{AuthURL: ch.AuthURL, State: ch.State})
}

// loginRedirect sends the browser to the identity provider, or to its portal when it cannot log in now.
func (s *server) loginRedirect(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	ch, err := s.startLogin(ctx, sess)
	switch {
	case err == nil:
		return ctx.Redirect(http.StatusFound, ch.AuthURL)
	case errors.Cause(err) == auth.ErrWrongState:
		return ctx.Redirect(http.StatusFound, rootTarget(sess.machine.Snapshot()))
	}
	return errors.Wrap(err, "beginning login")
}

// loginCallback receives the provider's response, found by the login state it carries.
func (s *server) loginCallback(ctx echo.Context) error {
	state := ctx.FormValue("state")
	sess, ok := s.sessions.byLoginState(state)
	if !ok {
		return errUnknownLogin
	}
	defer s.sessions.unbindLogin(state)
	sess.touch(time.Now())

	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()

	if reason := ctx.FormValue("error"); reason != "" {
		if desc := ctx.FormValue("error_description"); desc != "" {
			reason = desc
		}
		// the error returned is the one the pending login resolves with
		if err := sess.machine.FailLogin(state, reason); errors.Cause(err) == identity.ErrUnknownState {
			return errUnknownLogin
		}
	} else if err := sess.machine.CompleteLogin(rctx, state, ctx.FormValue("id_token")); err != nil {
		if errors.Cause(err) == identity.ErrUnknownState {
			return errUnknownLogin
		}
		// the pending login resolves with the failure
		s.deps.Logger.Info(fmt.Sprintf("login callback rejected: %v", err))
	}

	snap, err := sess.machine.Await(rctx, loginSettled)
	if err != nil {
		return errors.Wrap(err, "awaiting login")
	}
	if err = s.writeSessionCookie(ctx, sess); err != nil {
		return err
	}
	return ctx.Redirect(http.StatusSeeOther, rootTarget(snap))
}

func (s *server) cancelLogin(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	sess.machine.CancelLogin()

	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	snap, err := sess.machine.Await(rctx, func(snap auth.Snapshot) bool { return !snap.LoginPending })
	if err != nil {
		return errors.Wrap(err, "awaiting cancellation")
	}
	return ctx.JSON(http.StatusOK, stateResponse{Auth: snap})
}

func (s *server) logout(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	if err = sess.machine.Logout(rctx); err != nil {
		return errors.Wrap(err, "logging out")
	}
	if err = s.writeSessionCookie(ctx, sess); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, stateResponse{Auth: sess.machine.Snapshot()})
}

func (s *server) refresh(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	snap, err := sess.machine.Refresh(rctx)
	if !snap.Principal.Valid {
		// the credential expired meanwhile
		if cErr := s.writeSessionCookie(ctx, sess); cErr != nil {
			return cErr
		}
	}
	if err != nil {
		return errors.Wrap(err, "refreshing user")
	}
	return ctx.JSON(http.StatusOK, stateResponse{Auth: snap})
}

// rootTarget is where "/" leads for snap; "/" itself while it is still loading.
func rootTarget(snap auth.Snapshot) string {
	if dec := route.RootDecision(snap); dec.Action == route.Redirect {
		return dec.Target
	}
	return route.Root
}
