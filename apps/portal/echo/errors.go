package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/route"
	"github.com/trezcool/lms-portal/core/tenant"
)

var (
	errNoSession      = echo.NewHTTPError(http.StatusInternalServerError, "session missing from context")
	errUnknownLogin   = echo.NewHTTPError(http.StatusBadRequest, "unknown or expired login attempt")
	errSandboxMissing = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// kindStatus maps a failure kind to its HTTP status.
func kindStatus(kind core.Kind) int {
	switch kind {
	case core.KindTenantNotDetected:
		return http.StatusBadRequest
	case core.KindTenantNotFound:
		return http.StatusNotFound
	case core.KindIdentityProvider, core.KindNotAuthenticated:
		return http.StatusUnauthorized
	case core.KindNotPreProvisioned, core.KindEmailMismatch, core.KindInvalidOTP, core.KindOTPExpired:
		return http.StatusBadRequest
	case core.KindAlreadyLinked:
		return http.StatusConflict
	case core.KindNetwork:
		return http.StatusBadGateway
	case core.KindUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		cause := errors.Cause(err)
		switch {
		case cause == auth.ErrWrongState, cause == account.ErrOutOfOrder, cause == account.ErrInFlight:
			code = http.StatusConflict
			message = cause.Error()
		default:
			switch origErr := cause.(type) {
			case *echo.HTTPError:
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				message = origErr.Message
			case validator.ValidationErrors:
				fldErrs := make(map[string]string, len(origErr))
				for _, vErr := range origErr {
					fldErrs[vErr.Field()] = vErr.Error()
				}
				code = http.StatusBadRequest
				message = fldErrs
			case *core.ValidationError:
				if origErr.Fields != nil {
					fldErrs := make(map[string]string, len(origErr.Fields))
					for _, fErr := range origErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = origErr.Error()
				}
				code = http.StatusBadRequest
			case *core.Error:
				code = kindStatus(origErr.Kind)
				if cause == identity.ErrLoginInProgress {
					code = http.StatusConflict
				}
				body := echo.Map{"error": origErr.Kind, "message": origErr.Message}
				if origErr.Kind.IsTenantError() {
					body["redirect"] = route.TenantSelector
				}
				if code >= http.StatusInternalServerError {
					logger.Error(origErr.Error(), logArgs(ctx, err)...)
				}
				message = body
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg
				logger.Error(msg, logArgs(ctx, errors.Wrap(err, msg))...)

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

// logArgs attaches the tenant and the linked user of the request's session, if any, to an error report.
func logArgs(ctx echo.Context, err error) []interface{} {
	args := []interface{}{err, ctx.Request()}
	if tc, ok := ctx.Get(contextTenantKey).(tenant.Context); ok {
		args = append(args, tc)
	}
	if sess, ok := ctx.Get(contextSessionKey).(*session); ok {
		if usr := sess.machine.Snapshot().User; usr != nil {
			args = append(args, *usr)
		}
	}
	return args
}
