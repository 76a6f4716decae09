// Package sandbox is an in-process stand-in for the tenant directory and the tenant
// backends, used in local development and tests.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/storage/otpstore"
)

const (
	DefaultOTPValidity = 5 * time.Minute
	maxOTPAttempts     = 5
)

var nowFunc = time.Now

type (
	Options struct {
		// FixedOTP, when set, is issued instead of a random passcode.
		FixedOTP    string
		OTPValidity time.Duration
		Codes       otpstore.Store
		Mail        core.EmailService // optional
		Logger      core.Logger
	}

	// ImportRecord is one line of an institutional import.
	ImportRecord struct {
		UniversityID string
		Email        string
		Name         string
		Role         string
		Department   string
		YearOfStudy  int
		CourseCodes  string // comma separated
	}

	tenantState struct {
		info    directory.Tenant
		records map[string]*account.PreProvisionedUser // by university id
		users   map[string]account.LinkedUser          // by principal
	}

	// Platform holds every sandbox tenant. It implements directory.Directory.
	Platform struct {
		opts Options

		mu      sync.RWMutex
		tenants map[string]*tenantState
		byAddr  map[directory.Address]*tenantState

		// codesMu serializes reads and writes of stored codes; taken before mu
		codesMu sync.Mutex
	}
)

var _ directory.Directory = (*Platform)(nil)

func New(opts Options) (*Platform, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(opts.Codes, "Codes"),
		vala.IsNotNil(opts.Logger, "Logger"),
	).Check(); err != nil {
		return nil, err
	}
	if opts.FixedOTP != "" && !core.IsDigits(opts.FixedOTP, core.OTPLength) {
		return nil, errors.Errorf("sandbox: fixed passcode must be %d digits", core.OTPLength)
	}
	if opts.OTPValidity <= 0 {
		opts.OTPValidity = DefaultOTPValidity
	}
	return &Platform{
		opts:    opts,
		tenants: make(map[string]*tenantState),
		byAddr:  make(map[directory.Address]*tenantState),
	}, nil
}

// AddTenant registers a tenant; its service address defaults to "sandbox-<id>".
func (p *Platform) AddTenant(t directory.Tenant) directory.Tenant {
	if t.ServiceAddress == "" {
		t.ServiceAddress = directory.Address("sandbox-" + t.ID)
	}
	if t.Subdomain == "" {
		t.Subdomain = t.ID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ts := &tenantState{
		info:    t,
		records: make(map[string]*account.PreProvisionedUser),
		users:   make(map[string]account.LinkedUser),
	}
	p.tenants[t.ID] = ts
	p.byAddr[t.ServiceAddress] = ts
	return t
}

// Import adds pre-provisioned records to a tenant, returning one error per rejected record.
func (p *Platform) Import(tenantID string, records ...ImportRecord) []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts, ok := p.tenants[tenantID]
	if !ok {
		return []error{errors.Errorf("unknown tenant %q", tenantID)}
	}

	var errs []error
	for _, r := range records {
		rec, err := fromImportRecord(r)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "importing %q", r.UniversityID))
			continue
		}
		if _, dup := ts.records[rec.UniversityID]; dup {
			errs = append(errs, errors.Errorf("duplicate university ID: %s", rec.UniversityID))
			continue
		}
		if emailTaken(ts, rec.Email) {
			errs = append(errs, errors.Errorf("email already exists: %s", rec.Email))
			continue
		}
		ts.records[rec.UniversityID] = &rec
	}
	return errs
}

func fromImportRecord(r ImportRecord) (account.PreProvisionedUser, error) {
	uid := core.CleanString(r.UniversityID)
	email := core.CleanString(r.Email, true)
	name := core.CleanString(r.Name)
	switch {
	case uid == "":
		return account.PreProvisionedUser{}, errors.New("university ID cannot be empty")
	case !strings.Contains(email, "@"):
		return account.PreProvisionedUser{}, errors.New("valid email is required")
	case name == "":
		return account.PreProvisionedUser{}, errors.New("name cannot be empty")
	}
	role, err := account.ParseRole(r.Role)
	if err != nil {
		return account.PreProvisionedUser{}, err
	}

	rec := account.PreProvisionedUser{
		UniversityID: uid,
		Email:        email,
		Name:         name,
		Role:         role,
		CourseCodes:  []string{},
		Status:       account.StatusImported,
		CreatedAt:    nowFunc().UTC(),
	}
	if d := core.CleanString(r.Department); d != "" {
		rec.Department = null.StringFrom(d)
	}
	if r.YearOfStudy > 0 {
		rec.YearOfStudy = null.IntFrom(r.YearOfStudy)
	}
	for _, c := range strings.Split(r.CourseCodes, ",") {
		if c = core.CleanString(c); c != "" {
			rec.CourseCodes = append(rec.CourseCodes, c)
		}
	}
	return rec, nil
}

func emailTaken(ts *tenantState, email string) bool {
	for _, rec := range ts.records {
		if strings.EqualFold(rec.Email, email) {
			return true
		}
	}
	return false
}

// Resolve implements directory.Directory.
func (p *Platform) Resolve(_ context.Context, tenantID string) (directory.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ts, ok := p.tenants[tenantID]
	if !ok || !ts.info.IsActive {
		return "", directory.ErrNotFound
	}
	return ts.info.ServiceAddress, nil
}

// ListTenants implements directory.Directory.
func (p *Platform) ListTenants(context.Context) ([]directory.Tenant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tenants := make([]directory.Tenant, 0, len(p.tenants))
	for _, ts := range p.tenants {
		tenants = append(tenants, ts.info)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

// Backend returns the backend client of the tenant at addr.
func (p *Platform) Backend(addr directory.Address) account.Backend {
	return &backend{platform: p, addr: addr}
}

// Record returns a copy of a pre-provisioned record.
func (p *Platform) Record(tenantID, universityID string) (account.PreProvisionedUser, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ts, ok := p.tenants[tenantID]; ok {
		if rec, ok := ts.records[universityID]; ok {
			return *rec, true
		}
	}
	return account.PreProvisionedUser{}, false
}

// Seed registers the demo tenants and their records.
func (p *Platform) Seed() error {
	demo := []struct {
		id, name, domain string
	}{
		{"harvard", "Harvard University", "harvard.edu"},
		{"mit", "Massachusetts Institute of Technology", "mit.edu"},
		{"stanford", "Stanford University", "stanford.edu"},
	}
	for _, d := range demo {
		p.AddTenant(directory.Tenant{
			ID:       d.id,
			Name:     d.name,
			IsActive: true,
			Settings: directory.Settings{MaxStudents: 10000, MaxCourses: 500, AllowSelfEnrollment: false},
		})
		errs := p.Import(d.id,
			ImportRecord{UniversityID: "STU001", Email: "stu001@" + d.domain, Name: "Alex Student", Role: "student", Department: "Computer Science", YearOfStudy: 2, CourseCodes: "CS101,MATH201"},
			ImportRecord{UniversityID: "STU002", Email: "stu002@" + d.domain, Name: "Sam Student", Role: "student", Department: "Physics", YearOfStudy: 1},
			ImportRecord{UniversityID: "FAC001", Email: "fac001@" + d.domain, Name: "Dana Faculty", Role: "faculty", Department: "Computer Science"},
			ImportRecord{UniversityID: "ADM001", Email: "adm001@" + d.domain, Name: "Robin Admin", Role: "tenant_admin"},
		)
		if len(errs) > 0 {
			return fmt.Errorf("seeding %s: %v", d.id, errs)
		}
	}
	return nil
}
