package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"golang.org/x/time/rate"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/route"
	"github.com/trezcool/lms-portal/core/tenant"
)

type (
	// ProviderFactory returns the identity provider answering to the portal at baseURL
	// (scheme and host, no trailing slash).
	ProviderFactory func(baseURL string) identity.Provider

	// TokenIssuer mints sandbox credentials for the development login page.
	TokenIssuer interface {
		Issue(principal, nonce string) (string, error)
	}

	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		Resolver   *tenant.Resolver
		Locator    *directory.Locator
		Providers  ProviderFactory
		Backends   auth.BackendFactory
		Validate   *validator.Validate
		Translator ut.Translator
		Sandbox    TokenIssuer // optional; enables /sandbox/authorize
	}

	Server interface {
		http.Handler
		Start()
		Shutdown(ctx context.Context) error
		Close() error
		Errors() <-chan error
		ShutdownSignal() <-chan os.Signal
	}

	server struct {
		deps     ServerDeps
		app      *echo.Echo
		sessions *sessionStore
		routes   *route.Table
		limiter  *rateLimiter
		errors   chan error
		shutdown chan os.Signal
		stopOnce sync.Once
	}
)

var _ Server = (*server)(nil)

func NewServer(deps ServerDeps) (Server, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(deps.Conf, "Conf"),
		vala.IsNotNil(deps.Logger, "Logger"),
		vala.IsNotNil(deps.Resolver, "Resolver"),
		vala.IsNotNil(deps.Locator, "Locator"),
		vala.IsNotNil(deps.Providers, "Providers"),
		vala.IsNotNil(deps.Backends, "Backends"),
		vala.IsNotNil(deps.Validate, "Validate"),
		vala.IsNotNil(deps.Translator, "Translator"),
	).Check(); err != nil {
		return nil, err
	}

	s := &server{
		deps:     deps,
		app:      echo.New(),
		routes:   route.DefaultTable(),
		limiter:  newRateLimiter(rate.Limit(deps.Conf.Server.LinkRateLimit), deps.Conf.Server.LinkRateBurst),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	s.sessions = newSessionStore(deps.Conf, deps.Logger, s.newMachine)
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s, nil
}

func (s *server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !conf.TestMode {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.signalShutdown)
	s.app.Debug = conf.Debug && !conf.TestMode

	sess := s.sessionMiddleware()

	api := s.app.Group("/api")
	api.GET("/health", s.health)
	s.registerTenantAPI(api)
	s.registerAuthAPI(api, sess)
	s.registerLinkingAPI(api, sess)
	if s.deps.Sandbox != nil {
		s.app.GET(SandboxAuthorizePath, s.sandboxAuthorize)
	}

	if dir := conf.Server.StaticDir; dir != "" {
		s.app.Static("/assets", filepath.Join(dir, "assets"))
	}

	// every other page goes through the route table
	s.app.GET("/*", s.page, sess)
}

func (s *server) Start() {
	go s.sessions.janitor()
	go s.limiter.cleanupLoop()
	if err := s.app.Start(s.deps.Conf.Server.Address); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *server) Shutdown(ctx context.Context) error {
	s.stop()
	return s.app.Shutdown(ctx)
}

func (s *server) Close() error {
	s.stop()
	return s.app.Close()
}

func (s *server) stop() {
	s.stopOnce.Do(func() {
		signal.Stop(s.shutdown)
		s.sessions.close()
		s.limiter.stop()
	})
}

func (s *server) Errors() <-chan error {
	return s.errors
}

func (s *server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

// remoteCtx bounds the remote calls a handler makes.
func (s *server) remoteCtx(ctx echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request().Context(), s.deps.Conf.Server.RequestTimeout)
}

func (s *server) health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, echo.Map{"status": "ok", "build": s.deps.Conf.Build})
}
