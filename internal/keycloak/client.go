// Package keycloak is a thin client for the Keycloak admin REST API, scoped
// to the user operations the importer needs. All calls go through an
// authenticated Doer and carry a bounded retry policy for transient faults.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tfunke/schulsync/internal/auth"
)

// ErrNotFound is returned when a lookup matches no user.
var ErrNotFound = errors.New("user not found")

// UserRepresentation is the admin API's user payload, reduced to the fields
// the importer reads and writes.
type UserRepresentation struct {
	ID              string              `json:"id,omitempty"`
	Username        string              `json:"username"`
	FirstName       string              `json:"firstName,omitempty"`
	LastName        string              `json:"lastName,omitempty"`
	Email           string              `json:"email,omitempty"`
	Enabled         bool                `json:"enabled"`
	EmailVerified   bool                `json:"emailVerified"`
	RequiredActions []string            `json:"requiredActions,omitempty"`
	Attributes      map[string][]string `json:"attributes,omitempty"`
}

// Client talks to one realm's admin API.
type Client struct {
	endpoints auth.Endpoints
	doer      Doer
	log       *slog.Logger
}

// New creates a Client. The doer supplies authentication; typically it is
// the process's *auth.Session.
func New(endpoints auth.Endpoints, doer Doer, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{endpoints: endpoints, doer: doer, log: log}
}

func (c *Client) usersURL(suffix string, query url.Values) string {
	u := c.endpoints.AdminUsersURL()
	if suffix != "" {
		u += "/" + suffix
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// jsonRequest builds a factory producing fresh requests with an encoded
// JSON body per retry attempt.
func jsonRequest(method, rawURL string, payload any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encoding request body: %w", err)
			}
			body = bytes.NewReader(buf)
		}
		req, err := http.NewRequest(method, rawURL, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodGet, rawURL, nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FindUserByEmail looks a user up by exact email match. Returns ErrNotFound
// when no user carries the address.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*UserRepresentation, error) {
	q := url.Values{}
	q.Set("email", email)
	q.Set("exact", "true")
	return c.findOne(ctx, c.usersURL("", q))
}

// FindUserByUsername looks a user up by exact username match.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (*UserRepresentation, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("exact", "true")
	return c.findOne(ctx, c.usersURL("", q))
}

func (c *Client) findOne(ctx context.Context, rawURL string) (*UserRepresentation, error) {
	var users []UserRepresentation
	if err := c.getJSON(ctx, rawURL, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

// CreateUser creates a user and returns its provider-assigned ID, extracted
// from the Location header of the 201 response.
func (c *Client) CreateUser(ctx context.Context, user UserRepresentation) (string, error) {
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodPost, c.usersURL("", nil), user))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("create response carries no Location header")
	}
	parts := strings.Split(strings.TrimRight(loc, "/"), "/")
	return parts[len(parts)-1], nil
}

// SetEnabled flips a user's enabled flag.
func (c *Client) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	payload := map[string]bool{"enabled": enabled}
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodPut, c.usersURL(url.PathEscape(userID), nil), payload))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// DeleteUser removes a user permanently.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodDelete, c.usersURL(url.PathEscape(userID), nil), nil))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// CountUsers returns the realm's user count.
func (c *Client) CountUsers(ctx context.Context) (int, error) {
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodGet, c.usersURL("count", nil), nil))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, fmt.Errorf("reading count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing count %q: %w", raw, err)
	}
	return n, nil
}

// UserInfo fetches the bearer identity's claims from the userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context) (map[string]any, error) {
	var claims map[string]any
	if err := c.getJSON(ctx, c.endpoints.UserInfoURL(), &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// SendVerifyEmail triggers the provider's address verification mail.
func (c *Client) SendVerifyEmail(ctx context.Context, userID string) error {
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodPut, c.usersURL(url.PathEscape(userID)+"/send-verify-email", nil), nil))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// ExecuteActionsEmail mails the user a link executing the given required
// actions (for example UPDATE_PASSWORD).
func (c *Client) ExecuteActionsEmail(ctx context.Context, userID string, actions []string) error {
	resp, err := doRetry(ctx, c.doer, jsonRequest(http.MethodPut, c.usersURL(url.PathEscape(userID)+"/execute-actions-email", nil), actions))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
