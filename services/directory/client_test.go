package directorysvc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lms-portal/core/directory"
)

func newServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tenants/harvard/resolve", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"service_address":"rrkah-fqaaa-aaaaa-aaaaq-cai"}`))
	})
	mux.HandleFunc("/api/v1/tenants/broken/resolve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/v1/tenants", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"harvard","name":"Harvard University","subdomain":"harvard","service_address":"rrkah-fqaaa-aaaaa-aaaaq-cai","is_active":true,
			 "settings":{"max_students":10000,"max_courses":500,"allow_self_enrollment":false}}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Resolve(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		want    directory.Address
		wantErr error
		anyErr  bool
	}{
		{name: "found", id: "harvard", want: "rrkah-fqaaa-aaaaa-aaaaq-cai"},
		{name: "not found", id: "yale", wantErr: directory.ErrNotFound},
		{name: "server error", id: "broken", anyErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := c.Resolve(ctx, tc.id)
			switch {
			case tc.wantErr != nil:
				assert.Equal(t, tc.wantErr, err)
			case tc.anyErr:
				assert.Error(t, err)
				assert.NotEqual(t, directory.ErrNotFound, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, addr)
			}
		})
	}
}

func TestClient_ListTenants(t *testing.T) {
	srv := newServer(t)
	tenants, err := NewClient(srv.URL, time.Second).ListTenants(context.Background())
	require.NoError(t, err)
	if assert.Len(t, tenants, 1) {
		assert.Equal(t, "Harvard University", tenants[0].Name)
		assert.True(t, tenants[0].IsActive)
		assert.Equal(t, 500, tenants[0].Settings.MaxCourses)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Resolve(context.Background(), "harvard")
	assert.Error(t, err)
	assert.NotEqual(t, directory.ErrNotFound, err)
}

func TestClient_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewClient(srv.URL, 5*time.Second).Resolve(ctx, "harvard")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, int64(time.Since(start)), int64(time.Second/2))
}
