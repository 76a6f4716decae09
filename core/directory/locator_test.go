package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/lms-portal/core"
)

type stubDirectory struct {
	addrs   map[string]Address
	tenants []Tenant
	err     error
	delay   time.Duration
	calls   int32
}

func (d *stubDirectory) Resolve(ctx context.Context, tenantID string) (Address, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return "", d.err
	}
	addr, ok := d.addrs[tenantID]
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

func (d *stubDirectory) ListTenants(context.Context) ([]Tenant, error) {
	if d.err != nil {
		return nil, d.err
	}
	return append([]Tenant(nil), d.tenants...), nil
}

func newTestLocator(t *testing.T, dir Directory) *Locator {
	l, err := NewLocator(dir, core.NopLogger())
	if err != nil {
		t.Fatalf("NewLocator() failed: %v", err)
	}
	return l
}

func TestNewLocator(t *testing.T) {
	_, err := NewLocator(nil, core.NopLogger())
	assert.Error(t, err)
}

func TestLocator_ResolveServiceAddress(t *testing.T) {
	dir := &stubDirectory{addrs: map[string]Address{"harvard": "rrkah-fqaaa-aaaaa-aaaaq-cai"}}

	tests := []struct {
		name     string
		tenantID string
		want     Address
		wantKind core.Kind
	}{
		{name: "no tenant", tenantID: "", wantKind: core.KindTenantNotDetected},
		{name: "unknown tenant", tenantID: "mit", wantKind: core.KindTenantNotFound},
		{name: "known tenant", tenantID: "harvard", want: "rrkah-fqaaa-aaaaa-aaaaq-cai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLocator(t, dir)
			got, err := l.ResolveServiceAddress(context.Background(), tt.tenantID)
			if tt.wantKind != core.KindUnknown {
				assert.Equal(t, tt.wantKind, core.KindOf(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocator_cachesSuccessOnly(t *testing.T) {
	dir := &stubDirectory{addrs: map[string]Address{"harvard": "addr-1"}}
	l := newTestLocator(t, dir)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addr, err := l.ResolveServiceAddress(ctx, "harvard")
		assert.NoError(t, err)
		assert.Equal(t, Address("addr-1"), addr)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&dir.calls))

	// failures are not cached
	_, _ = l.ResolveServiceAddress(ctx, "mit")
	_, _ = l.ResolveServiceAddress(ctx, "mit")
	assert.EqualValues(t, 3, atomic.LoadInt32(&dir.calls))

	// no TTL: the directory changing does not matter until invalidation
	dir.addrs["harvard"] = "addr-2"
	addr, _ := l.ResolveServiceAddress(ctx, "harvard")
	assert.Equal(t, Address("addr-1"), addr)

	l.Invalidate("harvard")
	addr, _ = l.ResolveServiceAddress(ctx, "harvard")
	assert.Equal(t, Address("addr-2"), addr)

	l.Reset()
	_, ok := l.Cached("harvard")
	assert.False(t, ok)
}

func TestLocator_networkError(t *testing.T) {
	dir := &stubDirectory{err: errors.New("dial tcp: connection refused")}
	l := newTestLocator(t, dir)

	_, err := l.ResolveServiceAddress(context.Background(), "harvard")
	assert.Equal(t, core.KindNetwork, core.KindOf(err))
	cErr, ok := core.AsError(err)
	assert.True(t, ok)
	assert.NotContains(t, cErr.Message, "connection refused")

	_, err = l.Tenants(context.Background())
	assert.Equal(t, core.KindNetwork, core.KindOf(err))
}

func TestLocator_concurrentLookupsShareOneCall(t *testing.T) {
	dir := &stubDirectory{addrs: map[string]Address{"harvard": "addr-1"}, delay: 50 * time.Millisecond}
	l := newTestLocator(t, dir)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := l.ResolveServiceAddress(context.Background(), "harvard")
			assert.NoError(t, err)
			assert.Equal(t, Address("addr-1"), addr)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&dir.calls))
}

func TestLocator_TenantsAndSuggest(t *testing.T) {
	dir := &stubDirectory{
		addrs: map[string]Address{},
		tenants: []Tenant{
			{ID: "mit", Name: "Massachusetts Institute of Technology", Subdomain: "mit", ServiceAddress: "addr-mit", IsActive: true},
			{ID: "harvard", Name: "Harvard University", Subdomain: "harvard", ServiceAddress: "addr-harvard", IsActive: true},
			{ID: "harvest", Name: "Harvest College", Subdomain: "harvest", ServiceAddress: "addr-harvest", IsActive: false},
		},
	}
	l := newTestLocator(t, dir)
	ctx := context.Background()

	tenants, err := l.Tenants(ctx)
	assert.NoError(t, err)
	if assert.Len(t, tenants, 3) {
		assert.Equal(t, "harvard", tenants[0].ID)
	}

	// listing warms the cache of active tenants only
	addr, err := l.ResolveServiceAddress(ctx, "harvard")
	assert.NoError(t, err)
	assert.Equal(t, Address("addr-harvard"), addr)
	_, ok := l.Cached("harvest")
	assert.False(t, ok)

	got, err := l.Suggest(ctx, "harvrd", 5)
	assert.NoError(t, err)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "harvard", got[0].ID)
	}

	got, err = l.Suggest(ctx, "  ", 5)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
