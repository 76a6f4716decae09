// Package tenant derives the tenant context of a request from its hostname.
package tenant

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lms-portal/core"
)

const (
	DefaultRootDomain        = "lms.app"
	DefaultLocalRootLabel    = "lms"
	DefaultDirectoryURL      = "https://ic0.app"
	DefaultLocalDirectoryURL = "http://127.0.0.1:4943"
	DefaultDevPort           = 3000

	localhost  = "localhost"
	queryParam = "tenant"
)

var DefaultGatewayDomains = []string{"ic0.app", "icp0.io"}

// Context is the tenant information derived from a hostname. It never changes once computed.
type Context struct {
	ID              null.String `json:"tenant_id"`
	IsMultiTenant   bool        `json:"is_multi_tenant"`
	IsLocalDev      bool        `json:"is_local_dev"`
	ServiceEndpoint string      `json:"service_endpoint"`
}

// Validate reports a TenantNotDetected error when no tenant could be derived.
func (c Context) Validate() error {
	if !c.ID.Valid || !IsValidID(c.ID.String) {
		return core.NewError(core.KindTenantNotDetected, "No tenant detected in URL")
	}
	return nil
}

// TenantID returns the tenant id or "" when none was detected.
func (c Context) TenantID() string {
	if c.ID.Valid {
		return c.ID.String
	}
	return ""
}

// Resolver holds the hostname conventions. The zero value is not usable; use NewResolver.
type Resolver struct {
	RootDomain        string
	LocalRootLabel    string
	GatewayDomains    []string
	DirectoryURL      string
	LocalDirectoryURL string
	DevPort           int
}

var defaultResolver = NewResolver(core.TenancyConfig{})

// NewResolver builds a Resolver, falling back to the defaults for every empty setting.
func NewResolver(conf core.TenancyConfig) *Resolver {
	r := &Resolver{
		RootDomain:        strings.ToLower(conf.RootDomain),
		LocalRootLabel:    strings.ToLower(conf.LocalRootLabel),
		GatewayDomains:    conf.GatewayDomains,
		DirectoryURL:      conf.DirectoryURL,
		LocalDirectoryURL: conf.LocalDirectoryURL,
		DevPort:           conf.DevPort,
	}
	if r.RootDomain == "" {
		r.RootDomain = DefaultRootDomain
	}
	if r.LocalRootLabel == "" {
		r.LocalRootLabel = DefaultLocalRootLabel
	}
	if len(r.GatewayDomains) == 0 {
		r.GatewayDomains = DefaultGatewayDomains
	}
	if r.DirectoryURL == "" {
		r.DirectoryURL = DefaultDirectoryURL
	}
	if r.LocalDirectoryURL == "" {
		r.LocalDirectoryURL = DefaultLocalDirectoryURL
	}
	if r.DevPort == 0 {
		r.DevPort = DefaultDevPort
	}
	return r
}

// Resolve derives the tenant context using the default hostname conventions.
func Resolve(hostname, rawQuery string) Context {
	return defaultResolver.Resolve(hostname, rawQuery)
}

// Resolve derives the tenant context from a hostname and, for gateway domains, the raw query.
// It does no I/O.
func (r *Resolver) Resolve(hostname, rawQuery string) Context {
	host := normalizeHost(hostname)
	localDev := isLocalDev(host)

	id := r.extractID(host, rawQuery)
	if id != "" && !IsValidID(id) {
		id = ""
	}

	ctx := Context{
		IsLocalDev:      localDev,
		ServiceEndpoint: r.DirectoryURL,
	}
	if localDev {
		ctx.ServiceEndpoint = r.LocalDirectoryURL
	}
	if id != "" {
		ctx.ID = null.StringFrom(id)
		ctx.IsMultiTenant = true
	}
	return ctx
}

func (r *Resolver) extractID(host, rawQuery string) string {
	labels := strings.Split(host, ".")

	if strings.Contains(host, localhost) {
		switch {
		case len(labels) == 3 && labels[1] == r.LocalRootLabel && labels[2] == localhost:
			return labels[0]
		case len(labels) == 2 && labels[1] == localhost && labels[0] != r.LocalRootLabel:
			return labels[0]
		}
		return ""
	}

	if strings.Contains(host, r.RootDomain) {
		if prefix := strings.TrimSuffix(host, "."+r.RootDomain); prefix != host && !strings.Contains(prefix, ".") {
			return prefix
		}
		return "" // bare root domain
	}

	for _, gw := range r.GatewayDomains {
		gw = strings.ToLower(gw)
		if host == gw || strings.HasSuffix(host, "."+gw) {
			q, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
			if err != nil {
				return ""
			}
			return strings.TrimSpace(q.Get(queryParam))
		}
	}
	return ""
}

// TenantURL builds the absolute URL of a tenant's portal.
func (r *Resolver) TenantURL(id, path string, localDev bool) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if localDev {
		return fmt.Sprintf("http://%s.%s.%s:%d%s", id, r.LocalRootLabel, localhost, r.DevPort, path)
	}
	return fmt.Sprintf("https://%s.%s%s", id, r.RootDomain, path)
}

// IsValidID reports whether id is 3-63 letters, digits, '-' or '_', starting and ending with a letter or digit.
func IsValidID(id string) bool {
	return core.TenantIDRegex.MatchString(id)
}

func normalizeHost(hostname string) string {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(strings.TrimSuffix(host, "."), "[]")
}

func isLocalDev(host string) bool {
	if strings.Contains(host, localhost) {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
