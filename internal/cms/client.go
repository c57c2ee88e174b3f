// Package cms talks to the downstream content-management system through its
// generic item-collection API: every record type lives in a named collection
// with uniform list/get/create/update/delete semantics.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	RolesCollection      = "roles"
	UsersCollection      = "users"
	ContainersCollection = "containers"
)

// ErrNotFound is returned when a lookup matches no item.
var ErrNotFound = errors.New("cms item not found")

// User is the content system's identity record.
type User struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	RoleID    string `json:"role"`
	Status    string `json:"status"`
}

// Role is a content system role; Name is what canonical roles map onto.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Container is a content container owned by an authoring identity.
type Container struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	OwnerID string `json:"owner"`
}

// API is the surface role sync needs from the content system.
type API interface {
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) (*User, error)
	UpdateUser(ctx context.Context, id string, user *User) (*User, error)
	DeleteUser(ctx context.Context, id string) error
	FindContainerByOwner(ctx context.Context, ownerID string) (*Container, error)
	CreateContainer(ctx context.Context, container *Container) (*Container, error)
}

// Client implements API over the CMS REST interface. All calls carry the
// client's bounded timeout; a slow CMS must never stall an upsert.
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

// envelope is the CMS response wrapper: single items and lists both arrive
// under "data".
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) doItems(ctx context.Context, method, collection, id string, query url.Values, body any, out any) error {
	endpoint := fmt.Sprintf("%s/items/%s", c.baseURL, collection)
	if id != "" {
		endpoint += "/" + url.PathEscape(id)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cms request encode: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cms request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cms %s %s: unexpected status %d: %s", method, collection, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("cms response decode: %w", err)
	}
	return json.Unmarshal(env.Data, out)
}

func eqFilter(field, value string) url.Values {
	q := url.Values{}
	q.Set(fmt.Sprintf("filter[%s][_eq]", field), value)
	q.Set("limit", "1")
	return q
}

func (c *Client) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	var roles []Role
	if err := c.doItems(ctx, http.MethodGet, RolesCollection, "", eqFilter("name", name), nil, &roles); err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, ErrNotFound
	}
	return &roles[0], nil
}

func (c *Client) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := c.doItems(ctx, http.MethodGet, UsersCollection, id, nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var users []User
	if err := c.doItems(ctx, http.MethodGet, UsersCollection, "", eqFilter("email", email), nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

func (c *Client) CreateUser(ctx context.Context, user *User) (*User, error) {
	var created User
	if err := c.doItems(ctx, http.MethodPost, UsersCollection, "", nil, user, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateUser(ctx context.Context, id string, user *User) (*User, error) {
	var updated User
	if err := c.doItems(ctx, http.MethodPatch, UsersCollection, id, nil, user, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.doItems(ctx, http.MethodDelete, UsersCollection, id, nil, nil, nil)
}

func (c *Client) FindContainerByOwner(ctx context.Context, ownerID string) (*Container, error) {
	var containers []Container
	if err := c.doItems(ctx, http.MethodGet, ContainersCollection, "", eqFilter("owner", ownerID), nil, &containers); err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, ErrNotFound
	}
	return &containers[0], nil
}

func (c *Client) CreateContainer(ctx context.Context, container *Container) (*Container, error) {
	var created Container
	if err := c.doItems(ctx, http.MethodPost, ContainersCollection, "", nil, container, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

var _ API = (*Client)(nil)
