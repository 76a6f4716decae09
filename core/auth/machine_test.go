package auth_test

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/route"
	"github.com/trezcool/lms-portal/core/tenant"
	"github.com/trezcool/lms-portal/services/sandbox"
	"github.com/trezcool/lms-portal/storage/otpstore"
)

const awaitTimeout = 2 * time.Second

// recLogger keeps warnings and errors so tests can assert on them.
type recLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *recLogger) Debug(string, ...interface{}) {}
func (l *recLogger) Info(string, ...interface{})  {}
func (l *recLogger) Fatal(string, ...interface{}) {}

func (l *recLogger) Warn(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recLogger) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recLogger) counts() (warns, errs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns), len(l.errors)
}

type harness struct {
	t        *testing.T
	platform *sandbox.Platform
	idp      *sandbox.IdentityProvider
	locator  *directory.Locator
	logger   *recLogger
	wrap     func(account.Backend) account.Backend
	resolver auth.AddressResolver

	mu          sync.Mutex
	transitions []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := &recLogger{}
	platform, err := sandbox.New(sandbox.Options{
		FixedOTP: "123456",
		Codes:    otpstore.NewMemoryStore(),
		Logger:   logger,
	})
	require.NoError(t, err)
	require.NoError(t, platform.Seed())

	locator, err := directory.NewLocator(platform, logger)
	require.NoError(t, err)

	return &harness{
		t:        t,
		platform: platform,
		idp:      sandbox.NewIdentityProvider("test-secret", "http://harvard.lms.localhost:3000/sandbox/authorize", time.Hour),
		locator:  locator,
		logger:   logger,
	}
}

func (h *harness) machine(host string) *auth.Machine {
	h.t.Helper()
	client, err := identity.NewClient(h.idp, h.logger)
	require.NoError(h.t, err)

	var resolver auth.AddressResolver = h.locator
	if h.resolver != nil {
		resolver = h.resolver
	}

	translator := core.NewTranslator()
	m, err := auth.NewMachine(auth.Deps{
		Tenant:   tenant.Resolve(host, ""),
		Locator:  resolver,
		Identity: client,
		Backends: func(addr directory.Address) account.Backend {
			b := h.platform.Backend(addr)
			if h.wrap != nil {
				b = h.wrap(b)
			}
			return b
		},
		Validate:   core.NewValidator(translator),
		Translator: translator,
		Logger:     h.logger,
		OnTransition: func(from, to auth.Snapshot) {
			if from.State != to.State {
				h.mu.Lock()
				h.transitions = append(h.transitions, to.State.String())
				h.mu.Unlock()
			}
		},
	})
	require.NoError(h.t, err)
	h.t.Cleanup(m.Teardown)
	return m
}

func (h *harness) states() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transitions...)
}

func settled(s auth.Snapshot) bool { return !s.LoginPending && s.Settled() }

// login drives the interactive flow the way the browser callback does.
func (h *harness) login(m *auth.Machine, principal string) (auth.Snapshot, string) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()

	ch, err := m.BeginLogin(ctx)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, ch.State)
	assert.True(h.t, m.Snapshot().LoginPending)

	authURL, err := url.Parse(ch.AuthURL)
	require.NoError(h.t, err)
	assert.Equal(h.t, ch.State, authURL.Query().Get("state"))

	token, err := h.idp.Issue(principal, authURL.Query().Get("nonce"))
	require.NoError(h.t, err)
	require.NoError(h.t, m.CompleteLogin(ctx, ch.State, token))

	snap, err := m.Await(ctx, settled)
	require.NoError(h.t, err)
	return snap, token
}

func (h *harness) assertNoInvariantErrors() {
	h.t.Helper()
	_, errs := h.logger.counts()
	assert.Zero(h.t, errs, "errors logged: %v", h.logger.errors)
}

func linkFully(t *testing.T, m *auth.Machine) account.LinkedUser {
	t.Helper()
	ctx := context.Background()
	_, err := m.VerifyCredentials(ctx, "STU001", "stu001@harvard.edu")
	require.NoError(t, err)
	require.NoError(t, m.RequestOTP(ctx))
	require.NoError(t, m.SubmitOTP(ctx, "123456"))
	usr, err := m.Link(ctx)
	require.NoError(t, err)
	return usr
}

func TestMachine_UnauthenticatedVisitor(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")

	assert.Equal(t, auth.StateLoading, m.Snapshot().State)
	assert.Equal(t, route.Loading, route.DefaultTable().Decide(route.StudentPortal, m.Snapshot()).Action)

	require.NoError(t, m.Init(context.Background(), ""))

	snap := m.Snapshot()
	assert.Equal(t, auth.StateUnauthenticated, snap.State)
	assert.False(t, snap.Principal.Valid)
	assert.Nil(t, snap.User)
	assert.Nil(t, snap.Error)
	assert.Equal(t, "harvard", snap.Tenant.TenantID())
	assert.True(t, snap.Tenant.IsLocalDev)
	assert.True(t, snap.Tenant.IsMultiTenant)

	assert.Equal(t, route.Decision{Action: route.Redirect, Target: route.Login}, route.DefaultTable().Decide(route.StudentPortal, snap))
	assert.Equal(t, route.Render, route.DefaultTable().Decide(route.Login, snap).Action)

	assert.Equal(t, auth.ErrWrongState, m.Init(context.Background(), ""), "init runs once")
	h.assertNoInvariantErrors()
}

func TestMachine_TenantErrors(t *testing.T) {
	tests := []struct {
		name string
		host string
		kind core.Kind
	}{
		{name: "no subdomain", host: "localhost:3000", kind: core.KindTenantNotDetected},
		{name: "unknown tenant", host: "yale.lms.localhost:3000", kind: core.KindTenantNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m := h.machine(tc.host)

			err := m.Init(context.Background(), "")
			assert.True(t, core.IsKind(err, tc.kind), "got %v", err)

			snap := m.Snapshot()
			assert.Equal(t, auth.StateError, snap.State)
			if assert.NotNil(t, snap.Error) {
				assert.Equal(t, tc.kind, snap.Error.Kind)
			}
			assert.Equal(t, route.Decision{Action: route.Redirect, Target: route.TenantSelector}, route.DefaultTable().Decide(route.StudentPortal, snap))

			_, err = m.BeginLogin(context.Background())
			assert.Error(t, err, "no login without a tenant backend")
			h.assertNoInvariantErrors()
		})
	}
}

func TestMachine_NewIdentityRequiresLinking(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))

	snap, _ := h.login(m, "new-principal")

	assert.Equal(t, auth.StateLinkingRequired, snap.State)
	assert.Equal(t, "new-principal", snap.Principal.String)
	assert.Nil(t, snap.User)
	assert.Nil(t, snap.Error)
	if assert.NotNil(t, snap.Linking) {
		assert.Equal(t, account.StepCredentials, snap.Linking.Step)
	}
	assert.Equal(t, []string{"Unauthenticated", "Authenticated", "LinkingRequired"}, h.states())
	assert.Equal(t, route.Decision{Action: route.Redirect, Target: route.LinkAccount}, route.DefaultTable().Decide(route.StudentPortal, snap))
	h.assertNoInvariantErrors()
}

func TestMachine_EmailMismatchKeepsLinking(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))
	h.login(m, "new-principal")

	_, err := m.VerifyCredentials(context.Background(), "STU001", "wrong@harvard.edu")
	assert.True(t, core.IsKind(err, core.KindEmailMismatch))

	snap := m.Snapshot()
	assert.Equal(t, auth.StateLinkingRequired, snap.State)
	if assert.NotNil(t, snap.Error) {
		assert.Equal(t, core.KindEmailMismatch, snap.Error.Kind)
	}
	assert.Equal(t, account.StepCredentials, snap.Linking.Step)

	_, err = m.VerifyCredentials(context.Background(), "STU001", "stu001@harvard.edu")
	require.NoError(t, err)
	snap = m.Snapshot()
	assert.Nil(t, snap.Error, "a successful step clears the error")
	assert.Equal(t, account.StepOTPRequest, snap.Linking.Step)
	h.assertNoInvariantErrors()
}

func TestMachine_FullLinking(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))
	_, token := h.login(m, "student-principal")

	err := m.SubmitOTP(context.Background(), "12ab")
	assert.Error(t, err, "out of order or malformed")

	usr := linkFully(t, m)
	assert.Equal(t, account.RoleStudent, usr.Role)
	assert.Equal(t, "student-principal", usr.ID)

	snap := m.Snapshot()
	assert.Equal(t, auth.StateLinked, snap.State)
	assert.Equal(t, account.RoleStudent, snap.Role())
	assert.Nil(t, snap.Linking)
	assert.Nil(t, snap.Error)

	table := route.DefaultTable()
	assert.Equal(t, route.Render, table.Decide(route.StudentPortal, snap).Action)
	assert.Equal(t, route.Decision{Action: route.Redirect, Target: route.Unauthorized}, table.Decide(route.InstructorPortal, snap))
	assert.Equal(t, route.Decision{Action: route.Redirect, Target: route.StudentPortal}, route.RootDecision(snap))

	// linking steps are meaningless once linked
	_, err = m.VerifyCredentials(context.Background(), "STU001", "stu001@harvard.edu")
	assert.Equal(t, auth.ErrWrongState, err)

	refreshed, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, usr, *refreshed.User)

	// a second visit restores the session without any interaction
	again := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, again.Init(context.Background(), token))
	snap = again.Snapshot()
	assert.Equal(t, auth.StateLinked, snap.State)
	assert.Equal(t, usr, *snap.User)
	h.assertNoInvariantErrors()
}

func TestMachine_ExistenceCheckFailure(t *testing.T) {
	h := newHarness(t)
	h.wrap = func(b account.Backend) account.Backend { return &flakyBackend{Backend: b} }
	m := h.machine("mit.lms.localhost")
	require.NoError(t, m.Init(context.Background(), ""))

	snap, _ := h.login(m, "someone")
	assert.Equal(t, auth.StateLinkingRequired, snap.State)
	assert.Nil(t, snap.Error)
	warns, _ := h.logger.counts()
	assert.NotZero(t, warns)
}

func TestMachine_LoginInProgress(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))

	_, err := m.BeginLogin(context.Background())
	require.NoError(t, err)
	before := m.Snapshot()

	_, err = m.BeginLogin(context.Background())
	assert.Equal(t, identity.ErrLoginInProgress, err)
	assert.Equal(t, before, m.Snapshot(), "a rejected login changes nothing")

	m.CancelLogin()
	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()
	snap, err := m.Await(ctx, settled)
	require.NoError(t, err)
	assert.Equal(t, auth.StateUnauthenticated, snap.State)
	if assert.NotNil(t, snap.Error) {
		assert.Equal(t, core.KindIdentityProvider, snap.Error.Kind)
	}

	// the slot is free again
	snap, _ = h.login(m, "retry")
	assert.Equal(t, auth.StateLinkingRequired, snap.State)
}

func TestMachine_FailedLogin(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))

	ch, err := m.BeginLogin(context.Background())
	require.NoError(t, err)
	assert.Error(t, m.FailLogin("bogus-state", "nope"))
	assert.Error(t, m.FailLogin(ch.State, "UserInterrupt"))

	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()
	snap, err := m.Await(ctx, settled)
	require.NoError(t, err)
	assert.Equal(t, auth.StateUnauthenticated, snap.State)
	if assert.NotNil(t, snap.Error) {
		assert.Equal(t, "UserInterrupt", snap.Error.Message)
	}
}

func TestMachine_LogoutDropsStaleContinuation(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))
	_, token := h.login(m, "student-principal")
	linkFully(t, m)

	gate := &gatedBackend{entered: make(chan struct{}), release: make(chan struct{})}
	h.wrap = func(b account.Backend) account.Backend {
		gate.Backend = b
		return gate
	}
	slow := h.machine("harvard.lms.localhost:3000")

	done := make(chan error, 1)
	go func() { done <- slow.Init(context.Background(), token) }()

	select {
	case <-gate.entered:
	case <-time.After(awaitTimeout):
		t.Fatal("existence check never started")
	}
	assert.Equal(t, auth.StateAuthenticated, slow.Snapshot().State)

	require.NoError(t, slow.Logout(context.Background()))
	close(gate.release)
	require.NoError(t, <-done)

	snap := slow.Snapshot()
	assert.Equal(t, auth.StateUnauthenticated, snap.State, "the late Linked result is ignored")
	assert.False(t, snap.Principal.Valid)
	assert.Nil(t, snap.User)
	h.assertNoInvariantErrors()
}

func TestMachine_LogoutFromLinked(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))
	h.login(m, "student-principal")
	linkFully(t, m)

	require.NoError(t, m.Logout(context.Background()))
	snap := m.Snapshot()
	assert.Equal(t, auth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.User)
	assert.False(t, snap.Principal.Valid)

	_, err := m.Refresh(context.Background())
	assert.Equal(t, auth.ErrWrongState, err)
}

func TestMachine_Teardown(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")
	require.NoError(t, m.Init(context.Background(), ""))

	_, err := m.BeginLogin(context.Background())
	require.NoError(t, err)

	waiting := make(chan error, 1)
	go func() {
		_, err := m.Await(context.Background(), func(s auth.Snapshot) bool { return s.State == auth.StateLinked })
		waiting <- err
	}()

	m.Teardown()
	m.Teardown()

	select {
	case err = <-waiting:
		assert.Equal(t, auth.ErrClosed, err)
	case <-time.After(awaitTimeout):
		t.Fatal("Await did not return after teardown")
	}
	assert.Equal(t, auth.ErrClosed, m.Logout(context.Background()))
	_, err = m.BeginLogin(context.Background())
	assert.Equal(t, auth.ErrClosed, err)
}

func TestMachine_AwaitContext(t *testing.T) {
	h := newHarness(t)
	m := h.machine("harvard.lms.localhost:3000")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := m.Await(ctx, func(s auth.Snapshot) bool { return s.State == auth.StateLinked })
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, auth.StateLoading, snap.State)
}

type flakyBackend struct {
	account.Backend
}

func (b *flakyBackend) CurrentUser(context.Context, identity.Identity) (account.LinkedUser, error) {
	return account.LinkedUser{}, core.NewError(core.KindNetwork, "backend unreachable", fmt.Errorf("dial tcp: timeout"))
}

// gatedBackend blocks CurrentUser until release is closed.
type gatedBackend struct {
	account.Backend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) CurrentUser(ctx context.Context, caller identity.Identity) (account.LinkedUser, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Backend.CurrentUser(ctx, caller)
}

// gatedResolver holds every resolution until release is closed.
type gatedResolver struct {
	next    auth.AddressResolver
	started chan struct{}
	release chan struct{}
}

func (r *gatedResolver) ResolveServiceAddress(ctx context.Context, tenantID string) (directory.Address, error) {
	close(r.started)
	<-r.release
	return r.next.ResolveServiceAddress(ctx, tenantID)
}

func TestMachine_LogoutWhileResolvingBackend(t *testing.T) {
	h := newHarness(t)
	gate := &gatedResolver{next: h.locator, started: make(chan struct{}), release: make(chan struct{})}
	h.resolver = gate
	m := h.machine("harvard.lms.localhost:3000")

	initErr := make(chan error, 1)
	go func() { initErr <- m.Init(context.Background(), "") }()

	<-gate.started
	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, auth.StateLoading, m.Snapshot().State, "the tenant is still resolving")
	close(gate.release)

	select {
	case err := <-initErr:
		assert.Equal(t, auth.ErrSuperseded, err)
	case <-time.After(awaitTimeout):
		t.Fatal("init did not return")
	}

	snap := m.Snapshot()
	assert.Equal(t, auth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Error)
	h.assertNoInvariantErrors()

	ch, err := m.BeginLogin(context.Background())
	require.NoError(t, err, "the resolved backend survives the logout")
	assert.NotEmpty(t, ch.State)
}

func TestMachine_LogoutWhileResolvingUnknownTenant(t *testing.T) {
	h := newHarness(t)
	gate := &gatedResolver{next: h.locator, started: make(chan struct{}), release: make(chan struct{})}
	h.resolver = gate
	m := h.machine("yale.lms.localhost:3000")

	initErr := make(chan error, 1)
	go func() { initErr <- m.Init(context.Background(), "") }()

	<-gate.started
	require.NoError(t, m.Logout(context.Background()))
	close(gate.release)

	select {
	case err := <-initErr:
		assert.True(t, core.IsKind(err, core.KindTenantNotFound), "got %v", err)
	case <-time.After(awaitTimeout):
		t.Fatal("init did not return")
	}

	snap := m.Snapshot()
	assert.Equal(t, auth.StateError, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, core.KindTenantNotFound, snap.Error.Kind)
}
