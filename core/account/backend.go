// Package account links authenticated identities to pre-provisioned university records.
package account

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core/identity"
)

var (
	// ErrNotLinked is returned by Backend.CurrentUser when the caller has no linked account.
	ErrNotLinked = errors.New("identity not linked")
	// ErrUserNotFound is returned by Backend.CurrentUser when the backend knows nothing of the caller.
	ErrUserNotFound = errors.New("user not found")
)

// Backend is a tenant's backend service. The caller's identity is the calling credential:
// the backend derives the principal from it and never from a parameter.
// Failures other than the sentinels above are *core.Error values.
type Backend interface {
	CurrentUser(ctx context.Context, caller identity.Identity) (LinkedUser, error)
	RequestEmailVerification(ctx context.Context, caller identity.Identity, universityID, email string) error
	VerifyEmail(ctx context.Context, caller identity.Identity, req EmailVerification) error
	LinkIdentity(ctx context.Context, caller identity.Identity, universityID, email string) (LinkedUser, error)
	PreProvisionedUser(ctx context.Context, caller identity.Identity, universityID string) (PreProvisionedUser, error)
}

type ExistenceStatus int

const (
	NotFound ExistenceStatus = iota
	NotLinked
	Linked
)

func (s ExistenceStatus) String() string {
	switch s {
	case Linked:
		return "Linked"
	case NotLinked:
		return "NotLinked"
	}
	return "NotFound"
}

// Existence is the outcome of asking whether the caller already has a linked account.
type Existence struct {
	Status ExistenceStatus
	User   *LinkedUser
}
