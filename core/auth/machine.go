package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/tenant"
)

const defaultLoginTimeout = 10 * time.Minute

// anyGen applies a continuation whatever the generation; only Teardown drops it.
const anyGen = ^uint64(0)

var (
	ErrWrongState = errors.New("operation not allowed in the current auth state")
	ErrClosed     = errors.New("auth machine torn down")
	// ErrSuperseded is returned by Init when a Logout overtook it. The machine is usable.
	ErrSuperseded = errors.New("auth initialization superseded by a logout")
)

type (
	// AddressResolver finds the backend instance of a tenant.
	AddressResolver interface {
		ResolveServiceAddress(ctx context.Context, tenantID string) (directory.Address, error)
	}

	// BackendFactory builds the client of the backend at addr.
	BackendFactory func(addr directory.Address) account.Backend

	Deps struct {
		Tenant       tenant.Context
		Locator      AddressResolver
		Identity     *identity.Client
		Backends     BackendFactory
		Validate     *validator.Validate
		Translator   ut.Translator
		Logger       core.Logger
		LoginTimeout time.Duration
		// OnTransition, when set, is called after every state change, outside the lock.
		OnTransition func(from, to Snapshot)
	}
)

// Machine is the authentication state of one visitor against one tenant.
// Every continuation of a remote call carries the generation it started in and is
// dropped if Logout or Teardown happened meanwhile.
type Machine struct {
	deps Deps

	mu           sync.Mutex
	state        State
	principal    null.String
	user         *account.LinkedUser
	err          *core.Error
	initErr      error
	backend      account.Backend
	linker       *account.Linker
	loginPending bool
	loginCancel  context.CancelFunc
	gen          uint64
	closed       bool
	changed      chan struct{}
}

func NewMachine(deps Deps) (*Machine, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(deps.Locator, "Locator"),
		vala.IsNotNil(deps.Identity, "Identity"),
		vala.IsNotNil(deps.Backends, "Backends"),
		vala.IsNotNil(deps.Validate, "Validate"),
		vala.IsNotNil(deps.Translator, "Translator"),
		vala.IsNotNil(deps.Logger, "Logger"),
	).Check(); err != nil {
		return nil, err
	}
	if deps.LoginTimeout <= 0 {
		deps.LoginTimeout = defaultLoginTimeout
	}
	return &Machine{
		deps:    deps,
		state:   StateLoading,
		changed: make(chan struct{}),
	}, nil
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:        m.state,
		Tenant:       m.deps.Tenant,
		Principal:    m.principal,
		Error:        m.err,
		LoginPending: m.loginPending,
	}
	if m.user != nil {
		usr := *m.user
		s.User = &usr
	}
	if m.linker != nil {
		p := m.linker.Progress()
		s.Linking = &p
	}
	return s
}

// apply runs fn under the lock if gen is still current, then validates and publishes the result.
func (m *Machine) apply(gen uint64, fn func()) bool {
	m.mu.Lock()
	if m.closed || (gen != anyGen && gen != m.gen) {
		m.mu.Unlock()
		return false
	}
	before := m.snapshotLocked()
	fn()
	after := m.snapshotLocked()
	m.notifyLocked()
	m.mu.Unlock()

	if err := after.checkInvariants(); err != nil {
		m.deps.Logger.Error(fmt.Sprintf("auth: invariant broken after %s -> %s: %v", before.State, after.State, err), err)
	}
	if before.State != after.State {
		m.deps.Logger.Debug(fmt.Sprintf("auth: %s -> %s (tenant %q)", before.State, after.State, m.deps.Tenant.TenantID()))
	}
	if m.deps.OnTransition != nil {
		m.deps.OnTransition(before, after)
	}
	return true
}

func (m *Machine) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) generation() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.gen, nil
}

// Init resolves the tenant's backend, then recovers the identity, if any, and its linking status.
// credential is a previously persisted identity credential and may be empty.
func (m *Machine) Init(ctx context.Context, credential string) error {
	gen, err := m.generation()
	if err != nil {
		return err
	}
	if m.Snapshot().State != StateLoading {
		return ErrWrongState
	}

	// the tenant outlives any identity: its outcome is kept across a Logout
	if err = m.deps.Tenant.Validate(); err != nil {
		m.fail(anyGen, err)
		return err
	}
	addr, err := m.deps.Locator.ResolveServiceAddress(ctx, m.deps.Tenant.TenantID())
	if err != nil {
		m.fail(anyGen, err)
		return err
	}
	backend := m.deps.Backends(addr)
	if !m.apply(anyGen, func() { m.backend, m.initErr = backend, nil }) {
		return ErrClosed
	}
	if !m.current(gen) {
		return m.settle()
	}

	id, ok := m.deps.Identity.Identity()
	if credential != "" && (!ok || id.Credential != credential) {
		id, err = m.deps.Identity.Restore(ctx, credential)
		ok = err == nil
		if err != nil {
			m.deps.Logger.Info(fmt.Sprintf("auth: persisted session not restored: %v", err))
		}
	}
	if !ok {
		if !m.apply(gen, func() { m.setUnauthenticatedLocked(nil) }) {
			return m.settle()
		}
		return nil
	}

	if !m.apply(gen, func() {
		m.state = StateAuthenticated
		m.principal = null.StringFrom(id.Principal)
	}) {
		return m.settle()
	}
	m.checkExistence(ctx, gen, backend, id)
	return nil
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.gen
}

// settle ends an Init overtaken by Logout: a machine still Loading becomes Unauthenticated.
func (m *Machine) settle() error {
	if !m.apply(anyGen, func() {
		if m.state == StateLoading {
			m.setUnauthenticatedLocked(nil)
		}
	}) {
		return ErrClosed
	}
	return ErrSuperseded
}

// fail enters Error. Only initialization failures lead here.
func (m *Machine) fail(gen uint64, err error) {
	cErr, ok := core.AsError(err)
	if !ok {
		cErr = &core.Error{Kind: core.KindUnknown, Message: err.Error(), Err: err}
	}
	m.apply(gen, func() {
		m.state = StateError
		m.err = cErr
		m.initErr = cErr
		m.principal = null.String{}
		m.user, m.linker, m.backend = nil, nil, nil
	})
}

func (m *Machine) setUnauthenticatedLocked(err *core.Error) {
	m.state = StateUnauthenticated
	m.principal = null.String{}
	m.user, m.linker = nil, nil
	m.err = err
	m.loginPending = false
	m.loginCancel = nil
}

// checkExistence moves an authenticated visitor to Linked or LinkingRequired.
// A failed check is treated as "needs linking" so the user can still link.
func (m *Machine) checkExistence(ctx context.Context, gen uint64, backend account.Backend, id identity.Identity) {
	ex, err := account.CheckExistence(ctx, backend, id)
	if err != nil {
		m.deps.Logger.Warn(fmt.Sprintf("auth: existence check failed for %s (%s), assuming not linked: %v", id.Principal, core.KindOf(err), err), err)
		ex = account.Existence{Status: account.NotLinked}
	}

	if ex.Status == account.Linked {
		m.apply(gen, func() {
			m.state = StateLinked
			m.user = ex.User
			m.linker = nil
			m.err = nil
		})
		return
	}

	linker, lErr := account.NewLinker(backend, id, m.deps.Validate, m.deps.Translator, m.deps.Logger)
	if lErr != nil {
		m.deps.Logger.Error(fmt.Sprintf("auth: creating linker: %v", lErr), lErr)
		m.fail(gen, lErr)
		return
	}
	m.apply(gen, func() {
		m.state = StateLinkingRequired
		m.user = nil
		m.linker = linker
		m.err = nil
	})
}

// beginLogin claims the single login slot.
func (m *Machine) beginLogin() (uint64, account.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return 0, nil, ErrClosed
	case m.loginPending:
		return 0, nil, identity.ErrLoginInProgress
	case m.state != StateUnauthenticated:
		return 0, nil, ErrWrongState
	case m.backend == nil:
		if m.initErr != nil {
			return 0, nil, m.initErr
		}
		return 0, nil, core.NewError(core.KindTenantNotDetected, "No tenant selected")
	}
	m.loginPending = true
	m.err = nil
	m.notifyLocked()
	return m.gen, m.backend, nil
}

func (m *Machine) finishLogin(ctx context.Context, gen uint64, backend account.Backend, id identity.Identity, err error) error {
	if err != nil {
		cErr, ok := core.AsError(err)
		if !ok {
			cErr = &core.Error{Kind: core.KindIdentityProvider, Message: "Login failed", Err: err}
		}
		m.apply(gen, func() { m.setUnauthenticatedLocked(cErr) })
		return cErr
	}

	if !m.apply(gen, func() {
		m.loginPending = false
		m.loginCancel = nil
		m.state = StateAuthenticated
		m.principal = null.StringFrom(id.Principal)
		m.err = nil
	}) {
		return ErrClosed
	}
	m.checkExistence(ctx, gen, backend, id)
	return nil
}

// Login runs the interactive login to completion. open receives the provider challenge.
// A second login while one is pending fails with identity.ErrLoginInProgress and changes nothing.
func (m *Machine) Login(ctx context.Context, open func(identity.Challenge) error) error {
	gen, backend, err := m.beginLogin()
	if err != nil {
		return err
	}
	id, err := m.deps.Identity.Login(ctx, open)
	return m.finishLogin(ctx, gen, backend, id, err)
}

// BeginLogin starts the interactive login in the background and returns the provider challenge.
// The login outlives ctx and is bounded by the configured login timeout.
func (m *Machine) BeginLogin(ctx context.Context) (identity.Challenge, error) {
	gen, backend, err := m.beginLogin()
	if err != nil {
		return identity.Challenge{}, err
	}

	loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.LoginTimeout)
	m.mu.Lock()
	m.loginCancel = cancel
	m.mu.Unlock()

	challenges := make(chan identity.Challenge, 1)
	failures := make(chan error, 1)
	go func() {
		defer cancel()
		id, err := m.deps.Identity.Login(loginCtx, func(ch identity.Challenge) error {
			challenges <- ch
			return nil
		})
		if err = m.finishLogin(loginCtx, gen, backend, id, err); err != nil {
			failures <- err
		}
	}()

	select {
	case ch := <-challenges:
		return ch, nil
	case err = <-failures:
		return identity.Challenge{}, err
	}
}

// CompleteLogin delivers the provider callback to the pending login.
func (m *Machine) CompleteLogin(ctx context.Context, state, credential string) error {
	_, err := m.deps.Identity.Complete(ctx, state, credential)
	return err
}

// FailLogin delivers a provider-reported error to the pending login.
func (m *Machine) FailLogin(state, reason string) error {
	return m.deps.Identity.Fail(state, reason)
}

// CancelLogin abandons the pending login, as when the login window is closed.
func (m *Machine) CancelLogin() {
	m.deps.Identity.Cancel("")
}

// Logout forgets the identity from any state and drops every in-flight continuation.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	gen := m.gen
	if m.loginCancel != nil {
		m.loginCancel()
		m.loginCancel = nil
	}
	m.mu.Unlock()

	err := m.deps.Identity.Logout(ctx)
	m.apply(gen, func() {
		// a pending Init settles the state once the tenant is resolved
		if m.state != StateLoading {
			m.setUnauthenticatedLocked(nil)
		}
	})
	if err != nil {
		return core.NewError(core.KindIdentityProvider, "Logout failed", err)
	}
	return nil
}

// linkingStep returns what a linking step needs, or ErrWrongState outside LinkingRequired.
func (m *Machine) linkingStep() (uint64, *account.Linker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, ErrClosed
	}
	if m.state != StateLinkingRequired || m.linker == nil {
		return 0, nil, ErrWrongState
	}
	return m.gen, m.linker, nil
}

// afterStep attaches a step failure to the state; LinkingRequired is kept either way.
func (m *Machine) afterStep(gen uint64, err error) error {
	if errors.Is(err, account.ErrInFlight) || errors.Is(err, account.ErrOutOfOrder) {
		return err
	}
	m.apply(gen, func() {
		if err == nil {
			m.err = nil
		} else if cErr, ok := core.AsError(err); ok {
			m.err = cErr
		}
	})
	return err
}

func (m *Machine) VerifyCredentials(ctx context.Context, universityID, email string) (account.PreProvisionedUser, error) {
	gen, linker, err := m.linkingStep()
	if err != nil {
		return account.PreProvisionedUser{}, err
	}
	rec, err := linker.VerifyCredentials(ctx, universityID, email)
	return rec, m.afterStep(gen, err)
}

func (m *Machine) RequestOTP(ctx context.Context) error {
	gen, linker, err := m.linkingStep()
	if err != nil {
		return err
	}
	return m.afterStep(gen, linker.RequestOTP(ctx))
}

func (m *Machine) SubmitOTP(ctx context.Context, otp string) error {
	gen, linker, err := m.linkingStep()
	if err != nil {
		return err
	}
	return m.afterStep(gen, linker.SubmitOTP(ctx, otp))
}

// Link completes the workflow and enters Linked.
func (m *Machine) Link(ctx context.Context) (account.LinkedUser, error) {
	gen, linker, err := m.linkingStep()
	if err != nil {
		return account.LinkedUser{}, err
	}
	usr, err := linker.Link(ctx)
	if err != nil {
		return account.LinkedUser{}, m.afterStep(gen, err)
	}
	if !m.apply(gen, func() {
		m.state = StateLinked
		m.user = &usr
		m.linker = nil
		m.err = nil
	}) {
		return account.LinkedUser{}, ErrClosed
	}
	return usr, nil
}

// Refresh re-fetches the linked user. The backend is the only source of profile changes.
func (m *Machine) Refresh(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	gen, state, backend := m.gen, m.state, m.backend
	m.mu.Unlock()

	if state != StateLinked {
		return m.Snapshot(), ErrWrongState
	}
	id, ok := m.deps.Identity.Identity()
	if !ok {
		cErr, _ := core.AsError(identity.ErrNotAuthenticated)
		m.apply(gen, func() { m.setUnauthenticatedLocked(cErr) })
		return m.Snapshot(), identity.ErrNotAuthenticated
	}

	usr, err := backend.CurrentUser(ctx, id)
	switch {
	case err == nil:
		m.apply(gen, func() {
			if m.state == StateLinked {
				m.user = &usr
			}
		})
		return m.Snapshot(), nil
	case errors.Is(err, account.ErrNotLinked), errors.Is(err, account.ErrUserNotFound):
		m.checkExistence(ctx, gen, backend, id)
		return m.Snapshot(), nil
	}
	cErr, ok := core.AsError(err)
	if !ok {
		cErr = &core.Error{Kind: core.KindNetwork, Message: "Could not refresh the user", Err: err}
	}
	return m.Snapshot(), cErr
}

// Await blocks until cond holds for the current state or ctx ends.
func (m *Machine) Await(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		m.mu.Lock()
		snap := m.snapshotLocked()
		changed := m.changed
		closed := m.closed
		m.mu.Unlock()

		if cond(snap) {
			return snap, nil
		}
		if closed {
			return snap, ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Teardown stops the machine. Later continuations and operations are ignored.
func (m *Machine) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.loginCancel != nil {
		m.loginCancel()
		m.loginCancel = nil
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.deps.Identity.Cancel("")
}
