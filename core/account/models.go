package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
)

// LinkStatus is the lifecycle of a pre-provisioned record.
type LinkStatus int

const (
	StatusImported LinkStatus = iota
	StatusPendingVerification
	StatusVerified
	StatusLinked
	StatusExpired
)

var statusNames = [...]string{"Imported", "PendingVerification", "Verified", "Linked", "Expired"}

func (s LinkStatus) String() string {
	if s < StatusImported || int(s) >= len(statusNames) {
		return fmt.Sprintf("LinkStatus(%d)", int(s))
	}
	return statusNames[s]
}

func ParseLinkStatus(name string) (LinkStatus, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return LinkStatus(i), nil
		}
	}
	return StatusImported, fmt.Errorf("invalid link status: %q", name)
}

func (s LinkStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LinkStatus) UnmarshalJSON(data []byte) error {
	name, err := variantName(data)
	if err != nil {
		return errors.Wrap(err, "decoding link status")
	}
	st, err := ParseLinkStatus(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

type (
	// PreProvisionedUser is a record imported from the institution, waiting for an identity.
	PreProvisionedUser struct {
		UniversityID    string      `json:"university_id"`
		Email           string      `json:"email"`
		Name            string      `json:"name"`
		Role            Role        `json:"role"`
		Department      null.String `json:"department"`
		YearOfStudy     null.Int    `json:"year_of_study"`
		CourseCodes     []string    `json:"course_codes"`
		Status          LinkStatus  `json:"status"`
		IsVerified      bool        `json:"is_verified"`
		LinkedPrincipal null.String `json:"linked_principal"`
		CreatedAt       time.Time   `json:"created_at"`
	}

	// LinkedUser is an authenticated user linked to a pre-provisioned record.
	LinkedUser struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Email     string    `json:"email"`
		Role      Role      `json:"role"`
		TenantID  string    `json:"tenant_id"`
		IsActive  bool      `json:"is_active"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	EmailVerification struct {
		UniversityID string `json:"university_id"`
		Email        string `json:"email"`
		OTP          string `json:"verification_code"`
	}
)

// IsLinked reports whether the record already carries a principal.
func (u PreProvisionedUser) IsLinked() bool {
	return u.LinkedPrincipal.Valid && u.LinkedPrincipal.String != ""
}

// LinkedTo reports whether the record is linked to principal.
func (u PreProvisionedUser) LinkedTo(principal string) bool {
	return u.IsLinked() && u.LinkedPrincipal.String == principal
}
