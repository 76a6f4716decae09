// Package identity wraps an interactive identity provider behind a single awaitable login.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core"
)

var (
	ErrNotAuthenticated = core.NewError(core.KindNotAuthenticated, "Not authenticated")
	ErrLoginInProgress  = core.NewError(core.KindIdentityProvider, "A login is already in progress")
	ErrLoginCancelled   = core.NewError(core.KindIdentityProvider, "Login was cancelled")
	ErrUnknownState     = core.NewError(core.KindIdentityProvider, "Unknown or expired login attempt")

	nowFunc = time.Now
)

type (
	// Identity is an authenticated cryptographic identity.
	// Credential is the raw token issued by the provider and authenticates backend calls.
	Identity struct {
		Principal  string    `json:"principal"`
		Credential string    `json:"-"`
		ExpiresAt  time.Time `json:"expires_at"`
	}

	// Challenge is what the browser needs to start the interactive flow.
	Challenge struct {
		State   string
		AuthURL string
	}

	// Provider is the external identity provider.
	Provider interface {
		AuthURL(state, nonce string) string
		// Verify checks credential and returns the identity it proves.
		// An empty nonce skips the nonce check (restoring a persisted session).
		Verify(ctx context.Context, credential, nonce string) (Identity, error)
	}
)

// Expired reports whether the identity's credential has expired.
func (i Identity) Expired() bool {
	return !i.ExpiresAt.IsZero() && !nowFunc().Before(i.ExpiresAt)
}

type loginResult struct {
	identity Identity
	err      error
}

type pendingLogin struct {
	state string
	nonce string
	done  chan loginResult
	once  sync.Once
}

func (p *pendingLogin) resolve(res loginResult) {
	p.once.Do(func() { p.done <- res })
}

// Client holds the identity of one visitor. It is safe for concurrent use.
type Client struct {
	provider Provider
	logger   core.Logger

	mu       sync.Mutex
	identity *Identity
	pending  *pendingLogin
}

func NewClient(provider Provider, logger core.Logger) (*Client, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(provider, "provider"),
		vala.IsNotNil(logger, "logger"),
	).Check(); err != nil {
		return nil, err
	}
	return &Client{provider: provider, logger: logger}, nil
}

// IsAuthenticated is a local check: an identity is held and its credential has not expired.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil && !c.identity.Expired()
}

// Identity returns the current identity, if any.
func (c *Client) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil || c.identity.Expired() {
		return Identity{}, false
	}
	return *c.identity, true
}

// Principal returns ErrNotAuthenticated until a login succeeds.
func (c *Client) Principal() (string, error) {
	id, ok := c.Identity()
	if !ok {
		return "", ErrNotAuthenticated
	}
	return id.Principal, nil
}

// Login starts the interactive flow by handing a Challenge to open and blocks until
// Complete, Cancel, Logout or ctx ends the attempt. It resolves exactly once.
func (c *Client) Login(ctx context.Context, open func(Challenge) error) (Identity, error) {
	p := &pendingLogin{
		state: uuid.NewString(),
		nonce: uuid.NewString(),
		done:  make(chan loginResult, 1),
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return Identity{}, ErrLoginInProgress
	}
	c.pending = p
	c.mu.Unlock()

	defer c.clearPending(p)

	challenge := Challenge{State: p.state, AuthURL: c.provider.AuthURL(p.state, p.nonce)}
	if err := open(challenge); err != nil {
		return Identity{}, core.NewError(core.KindIdentityProvider, "Could not open the login window", errors.Wrap(err, "opening login"))
	}

	select {
	case res := <-p.done:
		return res.identity, res.err
	case <-ctx.Done():
		p.resolve(loginResult{err: ErrLoginCancelled})
		return Identity{}, core.NewError(core.KindIdentityProvider, "Login timed out", ctx.Err())
	}
}

func (c *Client) clearPending(p *pendingLogin) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Client) pendingFor(state string) (*pendingLogin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || state == "" || c.pending.state != state {
		return nil, ErrUnknownState
	}
	return c.pending, nil
}

// PendingState returns the state of the login in progress, or "".
func (c *Client) PendingState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ""
	}
	return c.pending.state
}

// Complete delivers the provider's callback for the login identified by state.
func (c *Client) Complete(ctx context.Context, state, credential string) (Identity, error) {
	p, err := c.pendingFor(state)
	if err != nil {
		return Identity{}, err
	}

	id, err := c.provider.Verify(ctx, credential, p.nonce)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("identity: verifying login credential: %v", err), err)
		err = asProviderError(err, "The identity provider rejected the login")
		p.resolve(loginResult{err: err})
		return Identity{}, err
	}

	c.mu.Lock()
	if c.pending != p {
		c.mu.Unlock()
		return Identity{}, ErrUnknownState
	}
	c.identity = &id
	c.mu.Unlock()
	p.resolve(loginResult{identity: id})
	return id, nil
}

// Fail rejects the login identified by state with a provider-reported error.
func (c *Client) Fail(state, reason string) error {
	p, err := c.pendingFor(state)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "The identity provider reported an error"
	}
	err = core.NewError(core.KindIdentityProvider, reason)
	p.resolve(loginResult{err: err})
	return err
}

// Cancel rejects the login in progress, as when the user closes the login window.
// An empty state cancels whatever login is pending.
func (c *Client) Cancel(state string) {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p != nil && (state == "" || p.state == state) {
		p.resolve(loginResult{err: ErrLoginCancelled})
	}
}

// Restore re-verifies a persisted credential, recovering the session without an interactive login.
func (c *Client) Restore(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrNotAuthenticated
	}
	id, err := c.provider.Verify(ctx, credential, "")
	if err != nil {
		return Identity{}, asProviderError(err, "The stored session is no longer valid")
	}
	if id.Expired() {
		return Identity{}, ErrNotAuthenticated
	}
	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()
	return id, nil
}

// Logout forgets the identity and aborts any login in progress.
func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	c.identity = nil
	p := c.pending
	c.mu.Unlock()
	if p != nil {
		p.resolve(loginResult{err: ErrLoginCancelled})
	}
	return nil
}

func asProviderError(err error, msg string) error {
	if _, ok := core.AsError(err); ok {
		return err
	}
	return core.NewError(core.KindIdentityProvider, msg, err)
}
