// Package tenantapi is the HTTP client of a tenant's backend service.
package tenantapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sendgrid/rest"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/identity"
)

// Factory builds backend clients from service addresses.
type Factory struct {
	template string
	http     *rest.Client
}

// NewFactory expects a URL template holding "{address}", e.g. "https://{address}.icp0.io".
// Addresses that already are URLs are used as they are.
func NewFactory(template string, timeout time.Duration) *Factory {
	return &Factory{
		template: template,
		http:     &rest.Client{HTTPClient: &http.Client{Timeout: timeout}},
	}
}

func (f *Factory) URL(addr directory.Address) string {
	a := addr.String()
	if strings.Contains(a, "://") {
		return strings.TrimRight(a, "/")
	}
	return strings.TrimRight(strings.ReplaceAll(f.template, "{address}", a), "/")
}

func (f *Factory) Backend(addr directory.Address) account.Backend {
	return &client{base: f.URL(addr), http: f.http}
}

type client struct {
	base string
	http *rest.Client
}

var _ account.Backend = (*client)(nil)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// send is rest.Client.Send bound to ctx.
func (c *client) send(ctx context.Context, req rest.Request) (*rest.Response, error) {
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

// do calls the backend. rejected is the kind of a 4xx answer whose body names no kind.
func (c *client) do(ctx context.Context, caller identity.Identity, method rest.Method, path string, rejected core.Kind, in, out interface{}) (*rest.Response, error) {
	req := rest.Request{
		Method:  method,
		BaseURL: c.base + path,
		Headers: map[string]string{"Accept": "application/json"},
	}
	if caller.Credential != "" {
		req.Headers["Authorization"] = "Bearer " + caller.Credential
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}

	res, err := c.send(ctx, req)
	if err != nil {
		return nil, core.NewError(core.KindNetwork, "The tenant backend is unreachable", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return res, decodeError(res, rejected)
	}
	if out != nil {
		if err = json.Unmarshal([]byte(res.Body), out); err != nil {
			return res, core.NewError(core.KindNetwork, "Unexpected response from the tenant backend", err)
		}
	}
	return res, nil
}

// decodeError classifies an error response, by its body kind first and its status otherwise.
func decodeError(res *rest.Response, rejected core.Kind) error {
	var body errorBody
	_ = json.Unmarshal([]byte(res.Body), &body)

	switch body.Kind {
	case "NotLinked":
		return account.ErrNotLinked
	case "NotFound", "UserNotFound":
		return account.ErrUserNotFound
	}

	kind := core.ParseKind(body.Kind)
	if kind == core.KindUnknown {
		switch {
		case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
			kind = core.KindUnauthorized
		case res.StatusCode == http.StatusNotFound:
			kind = core.KindNotPreProvisioned
		case res.StatusCode == http.StatusConflict:
			kind = core.KindAlreadyLinked
		case res.StatusCode >= http.StatusInternalServerError:
			kind = core.KindNetwork
		default:
			kind = rejected
		}
	}
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	return core.NewError(kind, msg)
}

func (c *client) CurrentUser(ctx context.Context, caller identity.Identity) (account.LinkedUser, error) {
	var usr account.LinkedUser
	res, err := c.do(ctx, caller, rest.Get, "/api/v1/users/me", core.KindUnauthorized, nil, &usr)
	if err != nil && res != nil && res.StatusCode == http.StatusNotFound && core.IsKind(err, core.KindNotPreProvisioned) {
		// a bare 404 here means the backend has no user for the caller
		return usr, account.ErrUserNotFound
	}
	return usr, err
}

func (c *client) RequestEmailVerification(ctx context.Context, caller identity.Identity, universityID, email string) error {
	in := map[string]string{"university_id": universityID, "email": email}
	_, err := c.do(ctx, caller, rest.Post, "/api/v1/pre-provisioned/verification", core.KindNotPreProvisioned, in, nil)
	return err
}

func (c *client) VerifyEmail(ctx context.Context, caller identity.Identity, req account.EmailVerification) error {
	_, err := c.do(ctx, caller, rest.Post, "/api/v1/pre-provisioned/verify", core.KindInvalidOTP, req, nil)
	return err
}

func (c *client) LinkIdentity(ctx context.Context, caller identity.Identity, universityID, email string) (account.LinkedUser, error) {
	var usr account.LinkedUser
	in := map[string]string{"university_id": universityID, "email": email}
	_, err := c.do(ctx, caller, rest.Post, "/api/v1/pre-provisioned/link", core.KindNotPreProvisioned, in, &usr)
	return usr, err
}

func (c *client) PreProvisionedUser(ctx context.Context, caller identity.Identity, universityID string) (account.PreProvisionedUser, error) {
	var rec account.PreProvisionedUser
	_, err := c.do(ctx, caller, rest.Get, "/api/v1/pre-provisioned/"+url.PathEscape(universityID), core.KindNotPreProvisioned, nil, &rec)
	return rec, err
}
