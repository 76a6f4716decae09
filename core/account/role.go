package account

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Role is the closed set of roles a linked user can hold.
type Role int

const (
	RoleUnknown Role = iota
	RoleStudent
	RoleInstructor
	RoleAdmin
	RoleTenantAdmin
)

var roleNames = [...]string{"Unknown", "Student", "Instructor", "Admin", "TenantAdmin"}

func (r Role) String() string {
	if r < RoleUnknown || int(r) >= len(roleNames) {
		return roleNames[RoleUnknown]
	}
	return roleNames[r]
}

func (r Role) Valid() bool { return r > RoleUnknown && int(r) < len(roleNames) }

// ParseRole accepts role names case-insensitively, plus the aliases used by institutional imports.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student":
		return RoleStudent, nil
	case "instructor", "faculty", "teacher":
		return RoleInstructor, nil
	case "admin", "administrator":
		return RoleAdmin, nil
	case "tenantadmin", "tenant_admin", "tenant-admin":
		return RoleTenantAdmin, nil
	}
	return RoleUnknown, fmt.Errorf("invalid role: %q", s)
}

// DecodeRole is the single decoding point for roles coming from a backend.
// It accepts a plain string ("Student") or a variant object ({"Student": null}).
func DecodeRole(raw json.RawMessage) (Role, error) {
	name, err := variantName(raw)
	if err != nil {
		return RoleUnknown, errors.Wrap(err, "decoding role")
	}
	return ParseRole(name)
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalJSON(data []byte) error {
	role, err := DecodeRole(data)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// variantName extracts the tag of a string or single-key object encoding.
func variantName(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("empty value")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.Errorf("unsupported encoding %s", string(raw))
	}
	if len(obj) != 1 {
		return "", errors.Errorf("variant object must have exactly one key, got %d", len(obj))
	}
	for k := range obj {
		return k, nil
	}
	return "", nil
}
