// Package directory locates the backend instance serving each tenant.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Directory when it has no record of a tenant.
var ErrNotFound = errors.New("tenant not found")

// Address identifies a tenant's backend service instance. It is opaque to the portal.
type Address string

func (a Address) String() string { return string(a) }

type (
	Settings struct {
		MaxStudents         int  `json:"max_students"`
		MaxCourses          int  `json:"max_courses"`
		AllowSelfEnrollment bool `json:"allow_self_enrollment"`
	}

	Tenant struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		Subdomain      string   `json:"subdomain"`
		ServiceAddress Address  `json:"service_address"`
		IsActive       bool     `json:"is_active"`
		AdminIDs       []string `json:"admin_ids,omitempty"`
		Settings       Settings `json:"settings"`
	}

	// Directory is the platform router that knows every tenant's backend instance.
	Directory interface {
		// Resolve returns ErrNotFound when tenantID is unknown.
		Resolve(ctx context.Context, tenantID string) (Address, error)
		ListTenants(ctx context.Context) ([]Tenant, error)
	}
)
