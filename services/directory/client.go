// Package directorysvc is the HTTP client of the platform's tenant directory service.
package directorysvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/lms-portal/core/directory"
)

const apiPrefix = "/api/v1/tenants"

type Client struct {
	endpoint string
	http     *rest.Client
}

var _ directory.Directory = (*Client)(nil)

func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &rest.Client{HTTPClient: &http.Client{Timeout: timeout}},
	}
}

// send is rest.Client.Send bound to ctx.
func (c *Client) send(ctx context.Context, req rest.Request) (*rest.Response, error) {
	httpReq, err := rest.BuildRequestObject(req)
	if err != nil {
		return nil, err
	}
	res, err := c.http.MakeRequest(httpReq.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return rest.BuildResponse(res)
}

func (c *Client) get(ctx context.Context, path string) (*rest.Response, error) {
	res, err := c.send(ctx, rest.Request{
		Method:  rest.Get,
		BaseURL: c.endpoint + path,
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	return res, nil
}

// Resolve implements directory.Directory.
func (c *Client) Resolve(ctx context.Context, tenantID string) (directory.Address, error) {
	res, err := c.get(ctx, apiPrefix+"/"+url.PathEscape(tenantID)+"/resolve")
	if err != nil {
		return "", err
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		return "", directory.ErrNotFound
	case res.StatusCode >= http.StatusBadRequest:
		return "", errors.Errorf("directory: resolving %q - status: %d - body: %s", tenantID, res.StatusCode, res.Body)
	}

	var body struct {
		ServiceAddress string `json:"service_address"`
	}
	if err = json.Unmarshal([]byte(res.Body), &body); err != nil {
		return "", errors.Wrap(err, "decoding resolve response")
	}
	if body.ServiceAddress == "" {
		return "", directory.ErrNotFound
	}
	return directory.Address(body.ServiceAddress), nil
}

// ListTenants implements directory.Directory.
func (c *Client) ListTenants(ctx context.Context) ([]directory.Tenant, error) {
	res, err := c.get(ctx, apiPrefix)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, errors.Errorf("directory: listing tenants - status: %d - body: %s", res.StatusCode, res.Body)
	}

	var tenants []directory.Tenant
	if err = json.Unmarshal([]byte(res.Body), &tenants); err != nil {
		return nil, errors.Wrap(err, "decoding tenants")
	}
	return tenants, nil
}
