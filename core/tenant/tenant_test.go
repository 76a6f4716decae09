package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lms-portal/core"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		hostname  string
		query     string
		wantID    null.String
		wantLocal bool
	}{
		{name: "lms localhost tenant", hostname: "harvard.lms.localhost", wantID: null.StringFrom("harvard"), wantLocal: true},
		{name: "lms localhost tenant with port", hostname: "harvard.lms.localhost:3000", wantID: null.StringFrom("harvard"), wantLocal: true},
		{name: "uppercase hostname", hostname: "MIT.LMS.LOCALHOST", wantID: null.StringFrom("mit"), wantLocal: true},
		{name: "short localhost tenant", hostname: "stanford.localhost", wantID: null.StringFrom("stanford"), wantLocal: true},
		{name: "lms localhost root", hostname: "lms.localhost", wantLocal: true},
		{name: "bare localhost", hostname: "localhost:3000", wantLocal: true},
		{name: "too many localhost labels", hostname: "a.b.c.localhost", wantLocal: true},
		{name: "loopback v4", hostname: "127.0.0.1:4943", wantLocal: true},
		{name: "loopback v6", hostname: "[::1]:3000", wantLocal: true},
		{name: "production tenant", hostname: "harvard.lms.app", wantID: null.StringFrom("harvard")},
		{name: "production root", hostname: "lms.app"},
		{name: "production nested subdomain", hostname: "www.harvard.lms.app"},
		{name: "gateway domain with query", hostname: "abcde-fgh.ic0.app", query: "tenant=oxford&x=1", wantID: null.StringFrom("oxford")},
		{name: "gateway domain with leading ?", hostname: "abcde-fgh.icp0.io", query: "?tenant=yale", wantID: null.StringFrom("yale")},
		{name: "gateway domain without query", hostname: "abcde-fgh.ic0.app"},
		{name: "query ignored elsewhere", hostname: "example.com", query: "tenant=oxford"},
		{name: "invalid: too short", hostname: "ab.lms.app"},
		{name: "invalid: trailing separator", hostname: "harvard-.lms.localhost", wantLocal: true},
		{name: "invalid: bad query tenant", hostname: "x.ic0.app", query: "tenant=-bad"},
		{name: "empty hostname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.hostname, tt.query)
			assert.Equal(t, tt.wantID, got.ID)
			assert.Equal(t, tt.wantID.Valid, got.IsMultiTenant)
			assert.Equal(t, tt.wantLocal, got.IsLocalDev)
			if tt.wantLocal {
				assert.Equal(t, DefaultLocalDirectoryURL, got.ServiceEndpoint)
			} else {
				assert.Equal(t, DefaultDirectoryURL, got.ServiceEndpoint)
			}
			// pure: same input, same output
			assert.Equal(t, got, Resolve(tt.hostname, tt.query))
		})
	}
}

func TestResolve_validTenantIDs(t *testing.T) {
	for _, id := range []string{"abc", "harvard", "uni-of_x", "a1b", "X9Z", "a0123456789012345678901234567890123456789012345678901234567890b"} {
		t.Run(id, func(t *testing.T) {
			want := null.StringFrom(strings.ToLower(id))

			local := Resolve(id+".lms.localhost", "")
			assert.Equal(t, want, local.ID, "lms.localhost")
			assert.True(t, local.IsLocalDev)

			prod := Resolve(id+".lms.app", "")
			assert.Equal(t, want, prod.ID, "lms.app")
			assert.False(t, prod.IsLocalDev)
		})
	}
}

func TestResolve_mixedCaseHost(t *testing.T) {
	prod := Resolve("Harvard.LMS.App", "")
	assert.Equal(t, null.StringFrom("harvard"), prod.ID)
	assert.False(t, prod.IsLocalDev)
	assert.True(t, prod.IsMultiTenant)

	local := Resolve("MIT.lms.LocalHost:3000", "")
	assert.Equal(t, null.StringFrom("mit"), local.ID)
	assert.True(t, local.IsLocalDev)
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"", false},
		{"ab", false},
		{"abc", true},
		{"_ab", false},
		{"ab_", false},
		{"a_b", true},
		{"a.b.c", false},
		{"a b", false},
		{string(make([]byte, 64)), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidID(tt.id), "IsValidID(%q)", tt.id)
	}
}

func TestResolver_custom(t *testing.T) {
	r := NewResolver(core.TenancyConfig{
		RootDomain:     "campus.edu",
		LocalRootLabel: "campus",
		GatewayDomains: []string{"gw.example"},
	})

	assert.Equal(t, null.StringFrom("law"), r.Resolve("law.campus.edu", "").ID)
	assert.Equal(t, null.StringFrom("law"), r.Resolve("law.campus.localhost", "").ID)
	assert.False(t, r.Resolve("campus.localhost", "").ID.Valid)
	assert.Equal(t, null.StringFrom("med"), r.Resolve("gw.example", "tenant=med").ID)
	assert.False(t, r.Resolve("harvard.lms.app", "").ID.Valid)
}

func TestResolver_TenantURL(t *testing.T) {
	r := NewResolver(core.TenancyConfig{})
	assert.Equal(t, "http://harvard.lms.localhost:3000/login", r.TenantURL("harvard", "/login", true))
	assert.Equal(t, "https://harvard.lms.app/student", r.TenantURL("harvard", "student", false))
	assert.Equal(t, "https://harvard.lms.app", r.TenantURL("harvard", "", false))
}

func TestContext_Validate(t *testing.T) {
	assert.NoError(t, Resolve("harvard.lms.app", "").Validate())

	err := Resolve("lms.app", "").Validate()
	assert.Error(t, err)
	assert.Equal(t, core.KindTenantNotDetected, core.KindOf(err))
}
