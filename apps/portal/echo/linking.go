package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/auth"
)

type (
	credentialsRequest struct {
		UniversityID string `json:"university_id" form:"university_id"`
		Email        string `json:"email" form:"email"`
	}

	otpRequest struct {
		OTP string `json:"otp" form:"otp"`
	}

	recordResponse struct {
		Record account.PreProvisionedUser `json:"record"`
		Auth   auth.Snapshot              `json:"auth"`
	}

	linkResponse struct {
		User account.LinkedUser `json:"user"`
		Auth auth.Snapshot      `json:"auth"`
	}
)

func (s *server) registerLinkingAPI(g *echo.Group, sess echo.MiddlewareFunc) {
	lg := g.Group("/link", s.limiter.middleware(), sess)
	lg.POST("/credentials", s.verifyCredentials)
	lg.POST("/otp", s.requestOTP)
	lg.POST("/otp/verify", s.submitOTP)
	lg.POST("/complete", s.completeLink)
}

// Handlers

func (s *server) verifyCredentials(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	var data credentialsRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to credentialsRequest")
	}

	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rec, err := sess.machine.VerifyCredentials(rctx, data.UniversityID, data.Email)
	if err != nil {
		return errors.Wrap(err, "verifying credentials")
	}
	return ctx.JSON(http.StatusOK, recordResponse{Record: rec, Auth: sess.machine.Snapshot()})
}

func (s *server) requestOTP(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	if err = sess.machine.RequestOTP(rctx); err != nil {
		return errors.Wrap(err, "requesting otp")
	}
	return ctx.JSON(http.StatusOK, stateResponse{Auth: sess.machine.Snapshot()})
}

func (s *server) submitOTP(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	var data otpRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to otpRequest")
	}

	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	if err = sess.machine.SubmitOTP(rctx, data.OTP); err != nil {
		return errors.Wrap(err, "submitting otp")
	}
	return ctx.JSON(http.StatusOK, stateResponse{Auth: sess.machine.Snapshot()})
}

func (s *server) completeLink(ctx echo.Context) error {
	sess, err := contextSession(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	usr, err := sess.machine.Link(rctx)
	if err != nil {
		return errors.Wrap(err, "linking identity")
	}
	return ctx.JSON(http.StatusOK, linkResponse{User: usr, Auth: sess.machine.Snapshot()})
}
