// Package gitea provides a narrow, typed client for the downstream Gitea
// API. The engine only needs repository existence and creation; everything
// else stays out.
package gitea

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/mirrorkeep/mirrorkeep/pkg/version"
)

// Client is a Gitea API client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRateLimit overrides the outbound token bucket.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rps, burst) }
}

// defaultHTTPClient bounds every call and keeps connection reuse sane.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	},
}

// NewClient returns a new Gitea API client for the given server root.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		client:  defaultHTTPClient,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// User is the authenticated Gitea user.
type User struct {
	ID       int64  `json:"id"`
	UserName string `json:"login"`
}

// Repository is a Gitea repository.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
	CloneURL string `json:"clone_url"`
}

// CreateRepoOptions are the options for creating a repository.
type CreateRepoOptions struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	AutoInit    bool   `json:"auto_init"`
}

// do performs one API call under the client's token bucket.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		rd = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MirrorKeep/"+version.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransport, err)
	}
	defer res.Body.Close() // nolint: errcheck

	if err := statusError(res.StatusCode); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// statusError maps an HTTP status to the client's tagged error set.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		return ErrConflict
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrTransport, code)
	}
}

// WhoAmI validates the token and returns the authenticated username.
// Called once on boot; a failure here is fatal.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/v1/user", nil, &u); err != nil {
		return "", err
	}
	return u.UserName, nil
}

// RepoExists reports whether owner/name exists downstream.
func (c *Client) RepoExists(ctx context.Context, owner, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/repos/%s/%s", url.PathEscape(owner), url.PathEscape(name)), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case err == ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// CreateUserRepo creates a repository under the authenticated user.
func (c *Client) CreateUserRepo(ctx context.Context, opts CreateRepoOptions) (*Repository, error) {
	var repo Repository
	if err := c.do(ctx, http.MethodPost, "/api/v1/user/repos", opts, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// CreateOrgRepo creates a repository under the named organization. Gitea
// rejects push-to-create for organization namespaces, so any mirror with an
// owner must go through this endpoint.
func (c *Client) CreateOrgRepo(ctx context.Context, org string, opts CreateRepoOptions) (*Repository, error) {
	var repo Repository
	path := fmt.Sprintf("/api/v1/orgs/%s/repos", url.PathEscape(org))
	if err := c.do(ctx, http.MethodPost, path, opts, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// DeleteRepo deletes owner/name downstream. Used by the CRUD surface, not
// the engine.
func (c *Client) DeleteRepo(ctx context.Context, owner, name string) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/v1/repos/%s/%s", url.PathEscape(owner), url.PathEscape(name)), nil, nil)
}
