package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/tenant"
)

const (
	sessionCookie   = "lms_session"
	devTenantCookie = "lms_dev_tenant"

	contextSessionKey = "session"
	contextTenantKey  = "tenant"
)

// sessionClaims is the content of the session cookie.
// Audience binds the cookie to the tenant it was issued for.
type sessionClaims struct {
	jwt.StandardClaims
	Credential string `json:"cred,omitempty"`
}

// session is the server side of one visitor against one tenant.
type session struct {
	id       string
	tenant   tenant.Context
	machine  *auth.Machine
	identity *identity.Client

	mu         sync.Mutex
	lastSeen   time.Time
	loginState string
}

func (sess *session) touch(now time.Time) {
	sess.mu.Lock()
	sess.lastSeen = now
	sess.mu.Unlock()
}

func (sess *session) idleSince(now time.Time) time.Duration {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return now.Sub(sess.lastSeen)
}

// credential is the identity credential to persist, or "" when signed out.
func (sess *session) credential() string {
	if id, ok := sess.identity.Identity(); ok {
		return id.Credential
	}
	return ""
}

// machineFactory builds the auth machine of a new session opened on baseURL.
type machineFactory func(tc tenant.Context, baseURL string) (*auth.Machine, *identity.Client, error)

type sessionStore struct {
	conf       *core.Config
	logger     core.Logger
	newMachine machineFactory
	secret     []byte

	opening singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	byState  map[string]*session
	closed   bool
	done     chan struct{}
}

func newSessionStore(conf *core.Config, logger core.Logger, newMachine machineFactory) *sessionStore {
	return &sessionStore{
		conf:       conf,
		logger:     logger,
		newMachine: newMachine,
		secret:     []byte(conf.SecretKey),
		sessions:   make(map[string]*session),
		byState:    make(map[string]*session),
		done:       make(chan struct{}),
	}
}

// tenantKey is what a session cookie is bound to.
func tenantKey(tc tenant.Context) string {
	if tc.ID.Valid {
		return tc.ID.String
	}
	return "-"
}

func (st *sessionStore) get(id string, tc tenant.Context) (*session, bool) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok || tenantKey(sess.tenant) != tenantKey(tc) {
		return nil, false
	}
	sess.touch(time.Now())
	return sess, true
}

// open returns the session id, creating and initializing it if unknown.
// credential restores a persisted identity into a new session.
func (st *sessionStore) open(ctx context.Context, id string, tc tenant.Context, baseURL, credential string) (*session, error) {
	if sess, ok := st.get(id, tc); ok {
		return sess, nil
	}

	key := tenantKey(tc) + "/" + id
	v, err, _ := st.opening.Do(key, func() (interface{}, error) {
		if sess, ok := st.get(id, tc); ok {
			return sess, nil
		}
		machine, client, err := st.newMachine(tc, baseURL)
		if err != nil {
			return nil, errors.Wrap(err, "building auth machine")
		}
		sess := &session{id: id, tenant: tc, machine: machine, identity: client, lastSeen: time.Now()}

		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			machine.Teardown()
			return nil, errors.New("session store closed")
		}
		if old, ok := st.sessions[id]; ok {
			// same id reused on another tenant
			st.dropLocked(old)
		}
		st.sessions[id] = sess
		st.mu.Unlock()

		// shared by every caller of Do, so it must not end with the first request
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), st.conf.Server.RequestTimeout)
		defer cancel()

		// failures are reflected in the machine's state
		if err := machine.Init(initCtx, credential); err != nil && !core.IsKind(err, core.KindTenantNotDetected) {
			st.logger.Info(fmt.Sprintf("session %s: init: %v", id, err), err, tc)
		}
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// bindLogin routes the provider callback carrying state to sess.
func (st *sessionStore) bindLogin(sess *session, state string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess.mu.Lock()
	if sess.loginState != "" {
		delete(st.byState, sess.loginState)
	}
	sess.loginState = state
	sess.mu.Unlock()
	st.byState[state] = sess
}

func (st *sessionStore) byLoginState(state string) (*session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.byState[state]
	return sess, ok
}

func (st *sessionStore) unbindLogin(state string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.byState[state]; ok {
		delete(st.byState, state)
		sess.mu.Lock()
		if sess.loginState == state {
			sess.loginState = ""
		}
		sess.mu.Unlock()
	}
}

func (st *sessionStore) dropLocked(sess *session) {
	delete(st.sessions, sess.id)
	sess.mu.Lock()
	if sess.loginState != "" {
		delete(st.byState, sess.loginState)
	}
	sess.mu.Unlock()
	sess.machine.Teardown()
}

func (st *sessionStore) remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[id]; ok {
		st.dropLocked(sess)
	}
}

func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// sweep tears down sessions idle for longer than the configured timeout.
func (st *sessionStore) sweep(now time.Time) int {
	idle := st.conf.Server.SessionIdleTimeout
	st.mu.Lock()
	defer st.mu.Unlock()

	var n int
	for _, sess := range st.sessions {
		if sess.idleSince(now) > idle {
			st.dropLocked(sess)
			n++
		}
	}
	return n
}

func (st *sessionStore) janitor() {
	every := st.conf.Server.SessionIdleTimeout / 2
	if every <= 0 || every > time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := st.sweep(now); n > 0 {
				st.logger.Debug(fmt.Sprintf("sessions: dropped %d idle session(s)", n))
			}
		case <-st.done:
			return
		}
	}
}

func (st *sessionStore) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.done)
	for _, sess := range st.sessions {
		st.dropLocked(sess)
	}
}

// token signs the session cookie of sess.
func (st *sessionStore) token(sess *session) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    st.conf.AppName,
			Subject:   sess.id,
			Audience:  tenantKey(sess.tenant),
			ExpiresAt: now.Add(st.conf.Server.SessionTTL).Unix(),
			IssuedAt:  now.Unix(),
		},
		Credential: sess.credential(),
	}
	ss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(st.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing session token")
	}
	return ss, nil
}

// parse returns the claims of a session cookie issued for tc.
func (st *sessionStore) parse(raw string, tc tenant.Context) (sessionClaims, bool) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return st.secret, nil
	})
	if err != nil || !token.Valid {
		return sessionClaims{}, false
	}
	if claims.Subject == "" || !claims.VerifyAudience(tenantKey(tc), true) {
		return sessionClaims{}, false
	}
	return claims, true
}

func baseURL(ctx echo.Context) string {
	return ctx.Scheme() + "://" + ctx.Request().Host
}

// newMachine wires the auth machine of a session opened on baseURL.
func (s *server) newMachine(tc tenant.Context, baseURL string) (*auth.Machine, *identity.Client, error) {
	client, err := identity.NewClient(s.deps.Providers(baseURL), s.deps.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building identity client")
	}
	machine, err := auth.NewMachine(auth.Deps{
		Tenant:       tc,
		Locator:      s.deps.Locator,
		Identity:     client,
		Backends:     s.deps.Backends,
		Validate:     s.deps.Validate,
		Translator:   s.deps.Translator,
		Logger:       s.deps.Logger,
		LoginTimeout: s.deps.Conf.Identity.LoginTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return machine, client, nil
}

// sessionMiddleware resolves the tenant of the request and attaches its session.
func (s *server) sessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			req := ctx.Request()
			tc := s.deps.Resolver.Resolve(req.Host, req.URL.RawQuery)
			ctx.Set(contextTenantKey, tc)

			sess, err := s.loadSession(ctx, tc)
			if err != nil {
				return err
			}
			ctx.Set(contextSessionKey, sess)

			if tc.IsLocalDev && tc.ID.Valid {
				s.rememberDevTenant(ctx, tc.ID.String)
			}
			return next(ctx)
		}
	}
}

func (s *server) loadSession(ctx echo.Context, tc tenant.Context) (*session, error) {
	id, credential := "", ""
	if c, err := ctx.Cookie(sessionCookie); err == nil {
		if claims, ok := s.sessions.parse(c.Value, tc); ok {
			if sess, ok := s.sessions.get(claims.Subject, tc); ok {
				return sess, nil
			}
			// known visitor, unknown session (expired or restarted)
			id, credential = claims.Subject, claims.Credential
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess, err := s.sessions.open(ctx.Request().Context(), id, tc, baseURL(ctx), credential)
	if err != nil {
		return nil, err
	}
	return sess, s.writeSessionCookie(ctx, sess)
}

// writeSessionCookie persists the session id and the identity credential it holds.
func (s *server) writeSessionCookie(ctx echo.Context, sess *session) error {
	token, err := s.sessions.token(sess)
	if err != nil {
		return err
	}
	ctx.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.deps.Conf.Server.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.deps.Conf.Server.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *server) rememberDevTenant(ctx echo.Context, id string) {
	ctx.SetCookie(&http.Cookie{
		Name:     devTenantCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
}

func devTenant(ctx echo.Context) string {
	if c, err := ctx.Cookie(devTenantCookie); err == nil && tenant.IsValidID(c.Value) {
		return c.Value
	}
	return ""
}

func contextSession(ctx echo.Context) (*session, error) {
	if sess, ok := ctx.Get(contextSessionKey).(*session); ok {
		return sess, nil
	}
	return nil, errNoSession
}
