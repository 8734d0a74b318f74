// Package keycloak talks to the identity provider's admin REST API for
// the realm the importer manages: users, groups, realm roles and their
// composites.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/platform/transport"
)

var (
	ErrConflict = errors.New("already exists")
	ErrNotFound = errors.New("not found")
)

// Requester is the transport collaborator, rooted at the realm admin URL.
type Requester interface {
	Request(ctx context.Context, method, path string, body any) (*transport.Response, error)
}

type User struct {
	ID         string              `json:"id,omitempty"`
	Username   string              `json:"username"`
	Email      string              `json:"email,omitempty"`
	FirstName  string              `json:"firstName,omitempty"`
	LastName   string              `json:"lastName,omitempty"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

type Group struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

type Client struct {
	rq     Requester
	logger zerolog.Logger
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(rq Requester, opts ...Option) *Client {
	c := &Client{rq: rq, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser creates u and returns the new id taken from the Location
// header. An existing username yields ErrConflict.
func (c *Client) CreateUser(ctx context.Context, u User) (string, error) {
	resp, err := c.rq.Request(ctx, http.MethodPost, "/users", u)
	if err != nil {
		return "", fmt.Errorf("create user %s: %w", u.Username, err)
	}
	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusConflict:
		return "", fmt.Errorf("user %s: %w", u.Username, ErrConflict)
	default:
		return "", transport.NewStatusError(http.MethodPost, "/users", resp)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("create user %s: response has no Location header", u.Username)
	}
	return path.Base(loc), nil
}

// AddUserToGroup makes userID a member of g.
func (c *Client) AddUserToGroup(ctx context.Context, userID string, g Group) error {
	p := "/users/" + url.PathEscape(userID) + "/groups/" + url.PathEscape(g.ID)
	return c.expect(ctx, http.MethodPut, p, g)
}

// ResetPassword sets a permanent password for userID.
func (c *Client) ResetPassword(ctx context.Context, userID, password string) error {
	p := "/users/" + url.PathEscape(userID) + "/reset-password"
	body := map[string]any{"temporary": false, "type": "password", "value": password}
	return c.expect(ctx, http.MethodPut, p, body)
}

// FindUsersByUsername returns the users whose username equals username.
func (c *Client) FindUsersByUsername(ctx context.Context, username string) ([]User, error) {
	q := url.Values{"exact": {"true"}, "username": {username}}
	var users []User
	if err := c.getJSON(ctx, "/users?"+q.Encode(), &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

// GetRole returns the realm role called name, or ErrNotFound.
func (c *Client) GetRole(ctx context.Context, name string) (*Role, error) {
	var r Role
	if err := c.getJSON(ctx, "/roles/"+url.PathEscape(name), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRole creates a realm role. An existing role yields ErrConflict.
func (c *Client) CreateRole(ctx context.Context, name string) error {
	return c.create(ctx, "/roles", "role "+name, Role{Name: name})
}

// availableRole is the admin UI extension's row shape.
type availableRole struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Description string `json:"description"`
	Client      string `json:"client"`
	ClientID    string `json:"clientId"`
}

// AvailableCompositeRoles lists roles that may be added as composites of
// roleID, at most max of them.
func (c *Client) AvailableCompositeRoles(ctx context.Context, roleID string, max int) ([]Role, error) {
	q := url.Values{"first": {"0"}, "max": {strconv.Itoa(max)}, "search": {""}}
	var rows []availableRole
	if err := c.getJSON(ctx, "/ui-ext/available-roles/roles/"+url.PathEscape(roleID)+"?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, Role{ID: r.ID, Name: r.Role, Description: r.Description})
	}
	return roles, nil
}

// AddComposites attaches roles as composites of roleID.
func (c *Client) AddComposites(ctx context.Context, roleID string, roles []Role) error {
	return c.expect(ctx, http.MethodPost, "/roles-by-id/"+url.PathEscape(roleID)+"/composites", roles)
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := c.getJSON(ctx, "/groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// CreateGroup creates a group. An existing group yields ErrConflict.
func (c *Client) CreateGroup(ctx context.Context, name string) error {
	return c.create(ctx, "/groups", "group "+name, Group{Name: name})
}

// AvailableGroupRealmRoles lists realm roles not yet mapped to groupID.
func (c *Client) AvailableGroupRealmRoles(ctx context.Context, groupID string, max int) ([]Role, error) {
	q := url.Values{"first": {"0"}, "max": {strconv.Itoa(max)}}
	var roles []Role
	if err := c.getJSON(ctx, "/groups/"+url.PathEscape(groupID)+"/role-mappings/realm/available?"+q.Encode(), &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// AddGroupRealmRoles maps roles to groupID.
func (c *Client) AddGroupRealmRoles(ctx context.Context, groupID string, roles []Role) error {
	return c.expect(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/role-mappings/realm", roles)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, p string, out any) error {
	resp, err := c.rq.Request(ctx, http.MethodGet, p, nil)
	if err != nil {
		return fmt.Errorf("GET %s: %w", p, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", p, ErrNotFound)
	}
	if !resp.OK() {
		return transport.NewStatusError(http.MethodGet, p, resp)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

// create posts body to p, mapping 409 to ErrConflict.
func (c *Client) create(ctx context.Context, p, what string, body any) error {
	resp, err := c.rq.Request(ctx, http.MethodPost, p, body)
	if err != nil {
		return fmt.Errorf("create %s: %w", what, err)
	}
	switch {
	case resp.OK():
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", what, ErrConflict)
	default:
		return transport.NewStatusError(http.MethodPost, p, resp)
	}
}

func (c *Client) expect(ctx context.Context, method, p string, body any) error {
	resp, err := c.rq.Request(ctx, method, p, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	if !resp.OK() {
		return transport.NewStatusError(method, p, resp)
	}
	c.logger.Debug().Str("method", method).Str("path", p).Int("status", resp.StatusCode).Msg("identity provider call")
	return nil
}
