package core

import "github.com/pkg/errors"

// Kind classifies the failures surfaced to the portal.
type Kind int

const (
	KindUnknown Kind = iota
	KindTenantNotDetected
	KindTenantNotFound
	KindIdentityProvider
	KindNotAuthenticated
	KindNotPreProvisioned
	KindEmailMismatch
	KindInvalidOTP
	KindOTPExpired
	KindAlreadyLinked
	KindNetwork
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindTenantNotDetected: "TenantNotDetected",
	KindTenantNotFound:    "TenantNotFound",
	KindIdentityProvider:  "IdentityProviderError",
	KindNotAuthenticated:  "NotAuthenticated",
	KindNotPreProvisioned: "NotPreProvisioned",
	KindEmailMismatch:     "EmailMismatch",
	KindInvalidOTP:        "InvalidOTP",
	KindOTPExpired:        "OTPExpired",
	KindAlreadyLinked:     "AlreadyLinkedToAnotherIdentity",
	KindNetwork:           "NetworkError",
	KindUnauthorized:      "Unauthorized",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// ParseKind maps a kind name back to its Kind; unknown names give KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// IsInputError reports whether the user can correct the failure by re-entering data.
func (k Kind) IsInputError() bool {
	switch k {
	case KindNotPreProvisioned, KindEmailMismatch, KindInvalidOTP, KindOTPExpired:
		return true
	}
	return false
}

// IsTenantError reports whether the failure requires picking another tenant.
func (k Kind) IsTenantError() bool {
	return k == KindTenantNotDetected || k == KindTenantNotFound
}

// Error is a classified failure. Err keeps the underlying cause for logs only.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

func NewError(kind Kind, msg string, err ...error) error {
	e := &Error{Kind: kind, Message: msg}
	if len(err) > 0 {
		e.Err = err[0]
	}
	return e
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
