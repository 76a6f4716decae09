// Package otpstore keeps short-lived one-time passcode hashes.
package otpstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("verification code not found")

// Code is a hashed passcode. ExpiresAt is the validity the user was promised;
// stores keep entries longer so an expired code can be told apart from a missing one.
type Code struct {
	Hash      []byte    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

func (c Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type Store interface {
	Save(ctx context.Context, key string, code Code, ttl time.Duration) error
	// Get returns ErrNotFound for unknown or evicted keys.
	Get(ctx context.Context, key string) (Code, error)
	Delete(ctx context.Context, key string) error
}

// Key namespaces a passcode by tenant and university id.
func Key(tenantID, universityID string) string {
	return "lms:otp:" + tenantID + ":" + universityID
}
