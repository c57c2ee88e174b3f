// Package provider reads the external authentication provider's identity
// store through its admin API. The provider owns credentials and sessions;
// this client only ever reads identity records, for reconciliation.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/evoke-labs/idbridge/domain"
)

// Client implements domain.ProviderDirectory against the provider's admin
// user API, authenticated with a service token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client. timeout <= 0 selects 10 seconds.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrIdentityNotFound
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider GET %s: unexpected status %d: %s", path, resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetByExternalID returns the identity with the given provider id.
func (c *Client) GetByExternalID(ctx context.Context, externalID string) (*domain.ExternalIdentity, error) {
	var identity domain.ExternalIdentity
	if err := c.get(ctx, "/admin/users/"+url.PathEscape(externalID), nil, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// GetByEmail returns the identity registered under email.
func (c *Client) GetByEmail(ctx context.Context, email string) (*domain.ExternalIdentity, error) {
	q := url.Values{}
	q.Set("email", email)
	var page struct {
		Users []*domain.ExternalIdentity `json:"users"`
	}
	if err := c.get(ctx, "/admin/users", q, &page); err != nil {
		return nil, err
	}
	if len(page.Users) == 0 {
		return nil, domain.ErrIdentityNotFound
	}
	return page.Users[0], nil
}

// List returns one page of the provider's identity table, 1-based.
func (c *Client) List(ctx context.Context, page, perPage int) ([]*domain.ExternalIdentity, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	var result struct {
		Users []*domain.ExternalIdentity `json:"users"`
	}
	if err := c.get(ctx, "/admin/users", q, &result); err != nil {
		return nil, err
	}
	return result.Users, nil
}

var _ domain.ProviderDirectory = (*Client)(nil)
