// Package auth holds the per-visitor authentication state machine.
package auth

import (
	"fmt"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/tenant"
)

// State is the authentication state of a visitor.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateAuthenticated // identity confirmed, linking status not known yet
	StateLinkingRequired
	StateLinked
	StateError
)

var stateNames = [...]string{"Loading", "Unauthenticated", "Authenticated", "LinkingRequired", "Linked", "Error"}

func (s State) String() string {
	if s < StateLoading || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a read-only copy of a Machine.
type Snapshot struct {
	State        State               `json:"state"`
	Tenant       tenant.Context      `json:"tenant"`
	Principal    null.String         `json:"principal"`
	User         *account.LinkedUser `json:"user"`
	Error        *core.Error         `json:"error"`
	Linking      *account.Progress   `json:"linking,omitempty"`
	LoginPending bool                `json:"login_pending"`
}

// Role returns the linked user's role, or RoleUnknown.
func (s Snapshot) Role() account.Role {
	if s.User == nil {
		return account.RoleUnknown
	}
	return s.User.Role
}

// Settled reports whether no transition is pending on an in-flight remote call.
func (s Snapshot) Settled() bool {
	return s.State != StateLoading && s.State != StateAuthenticated
}

// checkInvariants returns an error describing the first broken invariant, if any.
// principal is required in every state but Loading and Unauthenticated; Error keeps
// whatever identity was known when it was entered.
func (s Snapshot) checkInvariants() error {
	if (s.User != nil) != (s.State == StateLinked) {
		return fmt.Errorf("user is %v in state %s", s.User != nil, s.State)
	}
	switch s.State {
	case StateLoading, StateUnauthenticated:
		if s.Principal.Valid {
			return fmt.Errorf("principal set in state %s", s.State)
		}
	case StateAuthenticated, StateLinkingRequired, StateLinked:
		if !s.Principal.Valid {
			return fmt.Errorf("principal missing in state %s", s.State)
		}
	}
	if s.State == StateLinkingRequired && s.Linking == nil {
		return fmt.Errorf("no linking workflow in state %s", s.State)
	}
	return nil
}
