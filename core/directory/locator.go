package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/lms-portal/core"
)

// suggestionMinRatio is the lowest similarity a tenant needs to be suggested.
const suggestionMinRatio = 0.5

// Locator resolves tenant backend addresses through a Directory and caches every success
// until Invalidate or Reset is called. Failures are never cached.
type Locator struct {
	dir    Directory
	logger core.Logger

	mu    sync.RWMutex
	cache map[string]Address
	group singleflight.Group
}

func NewLocator(dir Directory, logger core.Logger) (*Locator, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(dir, "dir"),
		vala.IsNotNil(logger, "logger"),
	).Check(); err != nil {
		return nil, err
	}
	return &Locator{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]Address),
	}, nil
}

// ResolveServiceAddress returns the cached address of tenantID or asks the Directory once.
// Errors are always *core.Error of kind TenantNotDetected, TenantNotFound or NetworkError.
func (l *Locator) ResolveServiceAddress(ctx context.Context, tenantID string) (Address, error) {
	if tenantID == "" {
		return "", core.NewError(core.KindTenantNotDetected, "No tenant selected")
	}

	l.mu.RLock()
	addr, ok := l.cache[tenantID]
	l.mu.RUnlock()
	if ok {
		return addr, nil
	}

	v, err, shared := l.group.Do(tenantID, func() (interface{}, error) {
		addr, err := l.dir.Resolve(ctx, tenantID)
		if err != nil {
			return Address(""), err
		}
		if addr == "" {
			return Address(""), ErrNotFound
		}
		l.mu.Lock()
		l.cache[tenantID] = addr
		l.mu.Unlock()
		return addr, nil
	})
	if err != nil {
		return "", l.classify(tenantID, err)
	}
	if shared {
		l.logger.Debug(fmt.Sprintf("directory: shared lookup for tenant %q", tenantID))
	}
	return v.(Address), nil
}

func (l *Locator) classify(tenantID string, err error) error {
	if _, ok := core.AsError(err); ok {
		return err
	}
	if errors.Cause(err) == ErrNotFound || errors.Is(err, ErrNotFound) {
		return core.NewError(core.KindTenantNotFound, fmt.Sprintf("Tenant %q was not found", tenantID), err)
	}
	l.logger.Warn(fmt.Sprintf("directory: resolving tenant %q: %v", tenantID, err), err)
	return core.NewError(core.KindNetwork, "Could not reach the tenant directory", err)
}

// Cached returns the cached address of tenantID without any remote call.
func (l *Locator) Cached(tenantID string) (Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addr, ok := l.cache[tenantID]
	return addr, ok
}

// Invalidate forgets the cached address of tenantID.
func (l *Locator) Invalidate(tenantID string) {
	l.mu.Lock()
	delete(l.cache, tenantID)
	l.mu.Unlock()
}

// Reset forgets every cached address.
func (l *Locator) Reset() {
	l.mu.Lock()
	l.cache = make(map[string]Address)
	l.mu.Unlock()
}

// Tenants lists every tenant known to the Directory, sorted by name.
// Listed addresses warm the cache of active tenants.
func (l *Locator) Tenants(ctx context.Context) ([]Tenant, error) {
	tenants, err := l.dir.ListTenants(ctx)
	if err != nil {
		if _, ok := core.AsError(err); ok {
			return nil, err
		}
		return nil, core.NewError(core.KindNetwork, "Could not list tenants", errors.Wrap(err, "listing tenants"))
	}

	l.mu.Lock()
	for _, t := range tenants {
		if t.IsActive && t.ServiceAddress != "" {
			if _, ok := l.cache[t.ID]; !ok {
				l.cache[t.ID] = t.ServiceAddress
			}
		}
	}
	l.mu.Unlock()

	sort.SliceStable(tenants, func(i, j int) bool {
		return strings.ToLower(tenants[i].Name) < strings.ToLower(tenants[j].Name)
	})
	return tenants, nil
}

// Suggest returns up to n active tenants whose id, subdomain or name resemble query, best match first.
func (l *Locator) Suggest(ctx context.Context, query string, n int) ([]Tenant, error) {
	query = core.CleanString(query, true)
	if query == "" || n <= 0 {
		return []Tenant{}, nil
	}
	tenants, err := l.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		tenant Tenant
		ratio  float64
	}
	matches := make([]scored, 0, len(tenants))
	for _, t := range tenants {
		if !t.IsActive {
			continue
		}
		best := 0.0
		for _, candidate := range []string{t.ID, t.Subdomain, t.Name} {
			if r := similarity(query, strings.ToLower(candidate)); r > best {
				best = r
			}
		}
		if best >= suggestionMinRatio {
			matches = append(matches, scored{tenant: t, ratio: best})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].ratio > matches[j].ratio })

	if len(matches) > n {
		matches = matches[:n]
	}
	suggestions := make([]Tenant, 0, len(matches))
	for _, m := range matches {
		suggestions = append(suggestions, m.tenant)
	}
	return suggestions, nil
}

func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if strings.HasPrefix(b, a) {
		return 1
	}
	return difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, "")).Ratio()
}
