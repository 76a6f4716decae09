package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/identity"
)

// OTPValidity is the advisory lifetime of a one-time passcode shown to the user.
const OTPValidity = 300 * time.Second

var (
	ErrOutOfOrder = errors.New("linking step out of order")
	ErrInFlight   = errors.New("linking step already in progress")

	nowFunc = time.Now
)

// Step is the position of a Linker in the linking workflow.
type Step int

const (
	StepCredentials Step = iota
	StepOTPRequest
	StepOTP
	StepLink
	StepDone
)

var stepNames = [...]string{"credentials", "otp_request", "otp", "link", "done"}

func (s Step) String() string {
	if s < StepCredentials || int(s) >= len(stepNames) {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Countdown is the local, advisory OTP timer. The backend's verdict on expiry always wins.
type Countdown struct {
	Deadline time.Time
}

func (c Countdown) Running() bool { return !c.Deadline.IsZero() }

// Remaining returns the whole seconds left, never negative.
func (c Countdown) Remaining() int {
	if !c.Running() {
		return 0
	}
	left := c.Deadline.Sub(nowFunc())
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// Progress is a read-only view of a Linker.
type Progress struct {
	Step           Step                `json:"step"`
	UniversityID   string              `json:"university_id,omitempty"`
	Email          string              `json:"email,omitempty"`
	Record         *PreProvisionedUser `json:"record,omitempty"`
	OTPSent        bool                `json:"otp_sent"`
	OTPSecondsLeft int                 `json:"otp_seconds_left"`
	InFlight       bool                `json:"in_flight"`
	Error          *core.Error         `json:"error,omitempty"`
}

type (
	credentialsInput struct {
		UniversityID string `json:"university_id" validate:"required,universityid"`
		Email        string `json:"email" validate:"required,email"`
	}

	otpInput struct {
		OTP string `json:"otp" validate:"required,otp"`
	}
)

// Linker drives the linking workflow for one identity against one tenant backend.
// Steps run strictly in order and never overlap.
type Linker struct {
	backend    Backend
	caller     identity.Identity
	validate   *validator.Validate
	translator ut.Translator
	logger     core.Logger

	mu        sync.Mutex
	step      Step
	inFlight  bool
	uid       string
	email     string
	record    *PreProvisionedUser
	otpSent   bool
	countdown Countdown
	lastErr   *core.Error
}

func NewLinker(backend Backend, caller identity.Identity, validate *validator.Validate, translator ut.Translator, logger core.Logger) (*Linker, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(backend, "backend"),
		vala.IsNotNil(validate, "validate"),
		vala.IsNotNil(translator, "translator"),
		vala.IsNotNil(logger, "logger"),
		vala.StringNotEmpty(caller.Principal, "caller.Principal"),
	).Check(); err != nil {
		return nil, err
	}
	return &Linker{
		backend:    backend,
		caller:     caller,
		validate:   validate,
		translator: translator,
		logger:     logger,
	}, nil
}

// CheckExistence asks the backend whether the caller already has a linked account.
// It does not touch the workflow.
func CheckExistence(ctx context.Context, backend Backend, caller identity.Identity) (Existence, error) {
	usr, err := backend.CurrentUser(ctx, caller)
	switch {
	case err == nil:
		return Existence{Status: Linked, User: &usr}, nil
	case errors.Is(err, ErrNotLinked):
		return Existence{Status: NotLinked}, nil
	case errors.Is(err, ErrUserNotFound):
		return Existence{Status: NotFound}, nil
	}
	return Existence{}, toCoreError(err)
}

// CheckExistence runs the existence check with the Linker's caller.
func (l *Linker) CheckExistence(ctx context.Context) (Existence, error) {
	return CheckExistence(ctx, l.backend, l.caller)
}

// Progress returns a snapshot of the workflow.
func (l *Linker) Progress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := Progress{
		Step:           l.step,
		UniversityID:   l.uid,
		Email:          l.email,
		OTPSent:        l.otpSent,
		OTPSecondsLeft: l.countdown.Remaining(),
		InFlight:       l.inFlight,
		Error:          l.lastErr,
	}
	if l.record != nil {
		rec := *l.record
		p.Record = &rec
	}
	return p
}

// begin claims the workflow for one step. allowed lists the steps the call is valid from.
func (l *Linker) begin(allowed ...Step) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight {
		return ErrInFlight
	}
	for _, s := range allowed {
		if l.step == s {
			l.inFlight = true
			return nil
		}
	}
	return ErrOutOfOrder
}

// end releases the workflow; err is recorded on the current step.
func (l *Linker) end(err error) error {
	l.inFlight = false
	if err == nil {
		l.lastErr = nil
		return nil
	}
	if cErr, ok := core.AsError(err); ok {
		l.lastErr = cErr
	}
	return err
}

// VerifyCredentials looks the university record up and checks the email against it.
// It may be called again from any step before linking completes, restarting the workflow.
func (l *Linker) VerifyCredentials(ctx context.Context, universityID, email string) (PreProvisionedUser, error) {
	in := credentialsInput{UniversityID: core.CleanString(universityID), Email: core.CleanString(email)}
	if err := l.validate.Struct(in); err != nil {
		return PreProvisionedUser{}, core.TranslateErrors(err, l.translator)
	}
	if err := l.begin(StepCredentials, StepOTPRequest, StepOTP, StepLink); err != nil {
		return PreProvisionedUser{}, err
	}

	rec, err := l.backend.PreProvisionedUser(ctx, l.caller, in.UniversityID)
	if err == nil {
		switch {
		case !core.EqualFoldTrim(rec.Email, in.Email):
			err = core.NewError(core.KindEmailMismatch, "Email does not match university records")
		case rec.IsLinked() && !rec.LinkedTo(l.caller.Principal):
			err = core.NewError(core.KindAlreadyLinked, "University ID already linked to another identity. Please contact your administrator.")
		}
	} else {
		err = toCoreError(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		return PreProvisionedUser{}, l.end(err)
	}
	l.uid, l.email, l.record = in.UniversityID, in.Email, &rec
	l.otpSent, l.countdown = false, Countdown{}
	if rec.IsVerified || rec.LinkedTo(l.caller.Principal) {
		l.step = StepLink
	} else {
		l.step = StepOTPRequest
	}
	return rec, l.end(nil)
}

// RequestOTP asks the backend to email a passcode and (re)starts the local countdown.
func (l *Linker) RequestOTP(ctx context.Context) error {
	if err := l.begin(StepOTPRequest, StepOTP); err != nil {
		return err
	}
	l.mu.Lock()
	uid, email := l.uid, l.email
	l.mu.Unlock()

	err := l.backend.RequestEmailVerification(ctx, l.caller, uid, email)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		return l.end(toCoreError(err))
	}
	l.otpSent = true
	l.countdown = Countdown{Deadline: nowFunc().Add(OTPValidity)}
	l.step = StepOTP
	if l.record != nil {
		l.record.Status = StatusPendingVerification
	}
	return l.end(nil)
}

// SubmitOTP checks the passcode format locally, then lets the backend decide.
// A backend "expired" verdict stops the countdown and sends the user back to request a new code.
func (l *Linker) SubmitOTP(ctx context.Context, otp string) error {
	in := otpInput{OTP: strings.TrimSpace(otp)}
	if err := l.validate.Struct(in); err != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		cErr := core.NewError(core.KindInvalidOTP, "Verification code must be exactly 6 digits")
		if l.step == StepOTP && !l.inFlight {
			l.lastErr, _ = core.AsError(cErr)
		}
		return cErr
	}
	if err := l.begin(StepOTP); err != nil {
		return err
	}
	l.mu.Lock()
	req := EmailVerification{UniversityID: l.uid, Email: l.email, OTP: in.OTP}
	l.mu.Unlock()

	err := l.backend.VerifyEmail(ctx, l.caller, req)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		err = toCoreError(err)
		if core.IsKind(err, core.KindOTPExpired) {
			l.countdown = Countdown{}
			l.otpSent = false
			l.step = StepOTPRequest
			if l.record != nil {
				l.record.Status = StatusExpired
			}
		}
		return l.end(err)
	}
	l.countdown = Countdown{}
	l.step = StepLink
	if l.record != nil {
		l.record.IsVerified = true
		l.record.Status = StatusVerified
	}
	return l.end(nil)
}

// Link associates the caller with the verified record. Repeating it against a record
// already linked to the caller returns the existing user.
func (l *Linker) Link(ctx context.Context) (LinkedUser, error) {
	if err := l.begin(StepLink, StepDone); err != nil {
		return LinkedUser{}, err
	}
	l.mu.Lock()
	uid, email := l.uid, l.email
	l.mu.Unlock()

	usr, err := l.backend.LinkIdentity(ctx, l.caller, uid, email)
	if err != nil && core.IsKind(err, core.KindAlreadyLinked) {
		// the response of a previous attempt may have been lost
		if existing, cErr := l.backend.CurrentUser(ctx, l.caller); cErr == nil {
			l.logger.Info(fmt.Sprintf("account: %s already linked to %s", l.caller.Principal, uid))
			usr, err = existing, nil
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		return LinkedUser{}, l.end(toCoreError(err))
	}
	l.step = StepDone
	if l.record != nil {
		l.record.Status = StatusLinked
		l.record.LinkedPrincipal.SetValid(l.caller.Principal)
	}
	return usr, l.end(nil)
}

// Reset returns the workflow to its first step unless a call is in flight.
func (l *Linker) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight {
		return ErrInFlight
	}
	l.step, l.uid, l.email, l.record = StepCredentials, "", "", nil
	l.otpSent, l.countdown, l.lastErr = false, Countdown{}, nil
	return nil
}

// toCoreError makes sure only classified errors leave the package.
func toCoreError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := core.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUserNotFound):
		return core.NewError(core.KindNotPreProvisioned, "University ID not found in pre-provisioned records", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return core.NewError(core.KindNetwork, "The request timed out", err)
	}
	return core.NewError(core.KindNetwork, "Could not reach the institution's backend", err)
}
