// Package route decides what to render for a path given an auth snapshot.
package route

import (
	"strings"

	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/auth"
)

const (
	Root           = "/"
	Login          = "/login"
	LinkAccount    = "/link-account"
	OTPVerify      = "/otp-verification"
	Unauthorized   = "/unauthorized"
	TenantSelector = "/tenant-selector"
	TenantDebug    = "/tenant-debug"

	StudentPortal     = "/student"
	InstructorPortal  = "/instructor"
	TenantAdminPortal = "/tenant-admin"
)

// Action is what the presentation layer must do.
type Action int

const (
	Render Action = iota
	Loading
	Redirect
)

func (a Action) String() string {
	switch a {
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	}
	return "render"
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Decision is the outcome of guarding a route. Target is set for redirects only.
type Decision struct {
	Action Action `json:"action"`
	Target string `json:"target,omitempty"`
}

func render() Decision                { return Decision{Action: Render} }
func redirect(target string) Decision { return Decision{Action: Redirect, Target: target} }
func loading() Decision               { return Decision{Action: Loading} }

// PortalPath returns the default portal of role.
func PortalPath(role account.Role) string {
	switch role {
	case account.RoleStudent:
		return StudentPortal
	case account.RoleInstructor:
		return InstructorPortal
	case account.RoleTenantAdmin, account.RoleAdmin:
		return TenantAdminPortal
	}
	return Login
}

// Guard decides whether a route requiring one of required may render.
// An empty required list only demands a linked user.
func Guard(s auth.Snapshot, required []account.Role) Decision {
	switch s.State {
	case auth.StateLoading, auth.StateAuthenticated:
		return loading()
	case auth.StateUnauthenticated:
		return redirect(Login)
	case auth.StateLinkingRequired:
		return redirect(LinkAccount)
	case auth.StateError:
		return redirect(TenantSelector)
	}

	if len(required) == 0 {
		return render()
	}
	for _, r := range required {
		if s.Role() == r {
			return render()
		}
	}
	return redirect(Unauthorized)
}

// RootDecision picks where "/" sends the visitor.
func RootDecision(s auth.Snapshot) Decision {
	switch s.State {
	case auth.StateLoading, auth.StateAuthenticated:
		return loading()
	case auth.StateUnauthenticated:
		return redirect(Login)
	case auth.StateLinkingRequired:
		return redirect(LinkAccount)
	case auth.StateError:
		return redirect(TenantSelector)
	}
	return redirect(PortalPath(s.Role()))
}

type entry struct {
	prefix   string
	public   bool
	required []account.Role
}

// Table is the declarative route list of the portal.
type Table struct {
	entries []entry
}

// DefaultTable returns the portal's routes.
func DefaultTable() *Table {
	t := &Table{}
	for _, p := range []string{Login, LinkAccount, OTPVerify, Unauthorized, TenantSelector, TenantDebug} {
		t.Public(p)
	}
	t.Guarded(StudentPortal, account.RoleStudent)
	t.Guarded(InstructorPortal, account.RoleInstructor)
	t.Guarded(TenantAdminPortal, account.RoleTenantAdmin, account.RoleAdmin)
	return t
}

// Public registers a path that renders regardless of auth state.
func (t *Table) Public(path string) *Table {
	t.entries = append(t.entries, entry{prefix: path, public: true})
	return t
}

// Guarded registers a path and its sub-paths as requiring one of roles.
func (t *Table) Guarded(prefix string, roles ...account.Role) *Table {
	t.entries = append(t.entries, entry{prefix: prefix, required: roles})
	return t
}

// Decide applies the table to path. Unknown paths redirect to the root.
func (t *Table) Decide(path string, s auth.Snapshot) Decision {
	path = clean(path)
	if path == Root {
		return RootDecision(s)
	}
	for _, e := range t.entries {
		if e.public {
			if path == e.prefix {
				return render()
			}
			continue
		}
		if path == e.prefix || strings.HasPrefix(path, e.prefix+"/") {
			return Guard(s, e.required)
		}
	}
	return redirect(Root)
}

// Known reports whether path is served by the table.
func (t *Table) Known(path string) bool {
	return t.Decide(path, auth.Snapshot{State: auth.StateLoading}) != redirect(Root)
}

func clean(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return Root
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return Root
		}
	}
	return path
}
