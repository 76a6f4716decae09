package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/mail"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/storage/otpstore"
)

// codeRetention keeps expired codes around so a late submission reads as expired.
const codeRetention = time.Hour

type backend struct {
	platform *Platform
	addr     directory.Address
}

var _ account.Backend = (*backend)(nil)

func errNotPreProvisioned() error {
	return core.NewError(core.KindNotPreProvisioned, "University ID not found in pre-provisioned records")
}

func errEmailMismatch() error {
	return core.NewError(core.KindEmailMismatch, "Email does not match university records")
}

// tenant must be called with the platform lock held.
func (b *backend) tenant() (*tenantState, error) {
	ts, ok := b.platform.byAddr[b.addr]
	if !ok {
		return nil, core.NewError(core.KindNetwork, fmt.Sprintf("No backend at %q", b.addr))
	}
	return ts, nil
}

func (b *backend) CurrentUser(_ context.Context, caller identity.Identity) (account.LinkedUser, error) {
	if caller.Principal == "" {
		return account.LinkedUser{}, core.NewError(core.KindUnauthorized, "Anonymous callers have no account")
	}
	b.platform.mu.RLock()
	defer b.platform.mu.RUnlock()

	ts, err := b.tenant()
	if err != nil {
		return account.LinkedUser{}, err
	}
	if usr, ok := ts.users[caller.Principal]; ok {
		return usr, nil
	}
	return account.LinkedUser{}, account.ErrNotLinked
}

func (b *backend) PreProvisionedUser(_ context.Context, _ identity.Identity, universityID string) (account.PreProvisionedUser, error) {
	b.platform.mu.RLock()
	defer b.platform.mu.RUnlock()

	ts, err := b.tenant()
	if err != nil {
		return account.PreProvisionedUser{}, err
	}
	rec, ok := ts.records[universityID]
	if !ok {
		return account.PreProvisionedUser{}, errNotPreProvisioned()
	}
	return *rec, nil
}

func (b *backend) RequestEmailVerification(ctx context.Context, _ identity.Identity, universityID, email string) error {
	b.platform.mu.Lock()
	ts, err := b.tenant()
	if err != nil {
		b.platform.mu.Unlock()
		return err
	}
	rec, ok := ts.records[universityID]
	switch {
	case !ok:
		b.platform.mu.Unlock()
		return errNotPreProvisioned()
	case !core.EqualFoldTrim(rec.Email, email):
		b.platform.mu.Unlock()
		return errEmailMismatch()
	case rec.IsVerified:
		// nothing to prove again
		b.platform.mu.Unlock()
		return nil
	}
	rec.Status = account.StatusPendingVerification
	tenantID, tenantName, name, to := ts.info.ID, ts.info.Name, rec.Name, rec.Email
	b.platform.mu.Unlock()

	code, err := b.platform.newCode()
	if err != nil {
		return errors.Wrap(err, "generating passcode")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hashing passcode")
	}
	validity := b.platform.opts.OTPValidity
	stored := otpstore.Code{Hash: hash, ExpiresAt: nowFunc().Add(validity)}
	b.platform.codesMu.Lock()
	err = b.platform.opts.Codes.Save(ctx, otpstore.Key(tenantID, universityID), stored, validity+codeRetention)
	b.platform.codesMu.Unlock()
	if err != nil {
		return core.NewError(core.KindNetwork, "Could not issue a verification code", err)
	}

	b.platform.opts.Logger.Info(fmt.Sprintf("sandbox: verification code issued for %s/%s", tenantID, universityID))
	if b.platform.opts.Mail != nil {
		b.platform.opts.Mail.SendMessages(&core.EmailMessage{
			To:           []mail.Address{{Name: name, Address: to}},
			Subject:      "Your verification code",
			TenantID:     tenantID,
			TenantName:   tenantName,
			Category:     core.CategoryVerification,
			TemplateName: "verify_email",
			TemplateData: map[string]interface{}{
				"Name":         name,
				"TenantName":   tenantName,
				"Code":         code,
				"ValidMinutes": int(validity.Minutes()),
			},
		})
	}
	return nil
}

func (b *backend) VerifyEmail(ctx context.Context, _ identity.Identity, req account.EmailVerification) error {
	b.platform.mu.RLock()
	ts, err := b.tenant()
	if err != nil {
		b.platform.mu.RUnlock()
		return err
	}
	rec, ok := ts.records[req.UniversityID]
	var mismatch bool
	if ok {
		mismatch = !core.EqualFoldTrim(rec.Email, req.Email)
	}
	tenantID := ts.info.ID
	b.platform.mu.RUnlock()

	switch {
	case !ok:
		return errNotPreProvisioned()
	case mismatch:
		return core.NewError(core.KindEmailMismatch, "Email does not match")
	case !core.IsDigits(req.OTP, core.OTPLength):
		return core.NewError(core.KindInvalidOTP, "Verification code must be exactly 6 digits")
	}

	codes := b.platform.opts.Codes
	key := otpstore.Key(tenantID, req.UniversityID)
	b.platform.codesMu.Lock()
	defer b.platform.codesMu.Unlock()

	stored, err := codes.Get(ctx, key)
	if err == otpstore.ErrNotFound {
		return core.NewError(core.KindInvalidOTP, "No verification code found. Please request a new one.")
	} else if err != nil {
		return core.NewError(core.KindNetwork, "Could not check the verification code", err)
	}

	if stored.Expired(nowFunc()) {
		_ = codes.Delete(ctx, key)
		b.setStatus(req.UniversityID, account.StatusExpired, false)
		return core.NewError(core.KindOTPExpired, "Verification code has expired")
	}
	if bcrypt.CompareHashAndPassword(stored.Hash, []byte(req.OTP)) != nil {
		stored.Attempts++
		if stored.Attempts >= maxOTPAttempts {
			_ = codes.Delete(ctx, key)
			b.setStatus(req.UniversityID, account.StatusExpired, false)
			return core.NewError(core.KindOTPExpired, "Too many attempts. Please request a new code.")
		}
		ttl := stored.ExpiresAt.Sub(nowFunc()) + codeRetention
		_ = codes.Save(ctx, key, stored, ttl)
		return core.NewError(core.KindInvalidOTP, "Invalid verification code")
	}

	_ = codes.Delete(ctx, key)
	b.setStatus(req.UniversityID, account.StatusVerified, true)
	return nil
}

func (b *backend) setStatus(universityID string, status account.LinkStatus, verified bool) {
	b.platform.mu.Lock()
	defer b.platform.mu.Unlock()
	if ts, err := b.tenant(); err == nil {
		if rec, ok := ts.records[universityID]; ok {
			rec.Status = status
			rec.IsVerified = rec.IsVerified || verified
		}
	}
}

func (b *backend) LinkIdentity(_ context.Context, caller identity.Identity, universityID, email string) (account.LinkedUser, error) {
	if caller.Principal == "" {
		return account.LinkedUser{}, core.NewError(core.KindUnauthorized, "Anonymous callers cannot link an account")
	}
	b.platform.mu.Lock()
	defer b.platform.mu.Unlock()

	ts, err := b.tenant()
	if err != nil {
		return account.LinkedUser{}, err
	}
	rec, ok := ts.records[universityID]
	if !ok {
		return account.LinkedUser{}, errNotPreProvisioned()
	}
	if rec.LinkedTo(caller.Principal) {
		return ts.users[caller.Principal], nil
	}
	if _, taken := ts.users[caller.Principal]; taken {
		return account.LinkedUser{}, core.NewError(core.KindAlreadyLinked, "This identity is already linked to another account")
	}
	switch {
	case !core.EqualFoldTrim(rec.Email, email):
		return account.LinkedUser{}, core.NewError(core.KindEmailMismatch, "Email does not match")
	case !rec.IsVerified:
		return account.LinkedUser{}, core.NewError(core.KindUnauthorized, "Email must be verified before linking")
	case rec.IsLinked():
		return account.LinkedUser{}, core.NewError(core.KindAlreadyLinked, "University ID already linked to another identity")
	}

	now := nowFunc().UTC()
	rec.LinkedPrincipal = null.StringFrom(caller.Principal)
	rec.Status = account.StatusLinked
	usr := account.LinkedUser{
		ID:        caller.Principal,
		Name:      rec.Name,
		Email:     rec.Email,
		Role:      rec.Role,
		TenantID:  ts.info.ID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts.users[caller.Principal] = usr
	b.platform.opts.Logger.Info(fmt.Sprintf("sandbox: %s linked to %s/%s", caller.Principal, ts.info.ID, universityID))
	return usr, nil
}

func (p *Platform) newCode() (string, error) {
	if p.opts.FixedOTP != "" {
		return p.opts.FixedOTP, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
