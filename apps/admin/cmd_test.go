package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/tenant"
	"github.com/trezcool/lms-portal/services/sandbox"
	"github.com/trezcool/lms-portal/storage/otpstore"
)

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	platform, err := sandbox.New(sandbox.Options{Codes: otpstore.NewMemoryStore(), Logger: core.NopLogger()})
	require.NoError(t, err)
	require.NoError(t, platform.Seed())
	platform.AddTenant(directory.Tenant{ID: "closed", Name: "Closed College", IsActive: false})

	locator, err := directory.NewLocator(platform, core.NopLogger())
	require.NoError(t, err)

	out := new(bytes.Buffer)
	return &commandLine{
		locator:  locator,
		resolver: tenant.NewResolver(core.TenancyConfig{RootDomain: "lms.app", LocalRootLabel: "lms", DevPort: 3000}),
		backends: platform.Backend,
		timeout:  time.Second,
		out:      out,
	}, out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    []string
	extra      interface{}
}

func runCLITests(t *testing.T, cli *commandLine, out *bytes.Buffer, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				if err != tt.wantErr {
					t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
			case tt.wantErrStr != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantErrStr) {
					t.Errorf("cli.run() error = %v, wantErrStr %s", err, tt.wantErrStr)
				}
			case err != nil:
				t.Errorf("cli.run() unexpected error = %v", err)
			}
			for _, want := range tt.wantOut {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func Test_commandLine_tenants(t *testing.T) {
	cli, out := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "list", args: []string{"tenants"}, wantOut: []string{"harvard", "Stanford University", "sandbox-mit", "Closed College"}},
		{name: "suggest: no query", args: []string{"suggest"}, wantErr: errHelp},
		{name: "suggest", args: []string{"suggest", "-q", "stanfrod", "-n", "1"}, wantOut: []string{"stanford\tStanford University"}},
		{name: "lookup: no tenant", args: []string{"lookup"}, wantErr: errHelp},
		{name: "lookup", args: []string{"lookup", "-tenant", "mit"}, wantOut: []string{"sandbox-mit"}},
		{name: "lookup: inactive tenant", args: []string{"lookup", "-tenant", "closed"}, wantErrStr: `Tenant "closed" was not found`},
		{name: "lookup: unknown tenant", args: []string{"lookup", "-tenant", "yale"}, wantErrStr: `Tenant "yale" was not found`},
		{name: "resolve: no host", args: []string{"resolve"}, wantErr: errHelp},
		{name: "resolve: subdomain", args: []string{"resolve", "-host", "harvard.lms.app"}, wantOut: []string{"harvard", "sandbox-harvard"}},
		{name: "resolve: local dev", args: []string{"resolve", "-host", "mit.lms.localhost:3000"}, wantOut: []string{"local dev     true", "sandbox-mit"}},
		{name: "resolve: gateway", args: []string{"resolve", "-host", "abc.icp0.io", "-query", "tenant=stanford"}, wantOut: []string{"sandbox-stanford"}},
		{name: "resolve: root domain", args: []string{"resolve", "-host", "lms.app"}, wantErrStr: "No tenant detected in URL"},
		{name: "url: invalid tenant", args: []string{"url", "-tenant", "x"}, wantErr: errHelp},
		{name: "url", args: []string{"url", "-tenant", "harvard", "-path", "student"}, wantOut: []string{"https://harvard.lms.app/student"}},
		{name: "url: local", args: []string{"url", "-tenant", "harvard", "-local"}, wantOut: []string{"http://harvard.lms.localhost:3000/"}},
	}
	runCLITests(t, cli, out, tests)
}

func Test_commandLine_preprovisioned(t *testing.T) {
	cli, out := setup(t)

	type extra struct {
		cred string
	}
	tests := []cliTest{
		{name: "no args", args: []string{"preprovisioned"}, wantErr: errHelp},
		{name: "no credential", args: []string{"preprovisioned", "-tenant", "harvard", "-id", "STU001"}, wantErr: errHelp},
		{name: "unknown record", args: []string{"preprovisioned", "-tenant", "harvard", "-id", "NOPE01"}, extra: extra{cred: "token"}, wantErrStr: "not found"},
		{name: "unknown tenant", args: []string{"preprovisioned", "-tenant", "yale", "-id", "STU001"}, extra: extra{cred: "token"}, wantErrStr: "was not found"},
		{
			name:    "record",
			args:    []string{"preprovisioned", "-tenant", "harvard", "-id", "STU001"},
			extra:   extra{cred: "token"},
			wantOut: []string{`"university_id": "STU001"`, `"email": "stu001@harvard.edu"`, `"role": "Student"`},
		},
	}
	for i := range tests {
		tt := tests[i]
		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.cred), nil
			}
			return nil, nil
		}
		runCLITests(t, cli, out, []cliTest{tt})
	}
}
