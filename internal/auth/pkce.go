// Package auth implements the public-client side of the OAuth2
// Authorization Code flow with PKCE against a Keycloak-compatible provider,
// and the session object that owns the resulting token lifecycle.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Scope requested on every authorization. Fixed: the importer needs exactly
// the identity claims, nothing more.
const oauthScope = "openid profile email"

// TokenResponse is the provider's token endpoint response for both the
// authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// TokenError is returned when the token endpoint answers with a non-2xx
// status. Body is kept for diagnostics, not for display to end users.
type TokenError struct {
	StatusCode int
	Body       string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// GenerateVerifier returns a fresh PKCE code verifier: 32 cryptographically
// random bytes, base64url-encoded without padding (43 characters).
func GenerateVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateChallenge derives the S256 code challenge from a verifier.
func GenerateChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a fresh anti-CSRF state value.
func GenerateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Endpoints resolves the provider's OIDC endpoints from a base URL and
// realm, following the Keycloak path layout.
type Endpoints struct {
	BaseURL string
	Realm   string
}

func (e Endpoints) realmURL(suffix string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/%s",
		strings.TrimRight(e.BaseURL, "/"), url.PathEscape(e.Realm), suffix)
}

// AuthURL is the authorization endpoint.
func (e Endpoints) AuthURL() string { return e.realmURL("auth") }

// TokenURL is the token endpoint.
func (e Endpoints) TokenURL() string { return e.realmURL("token") }

// LogoutURL is the end-session endpoint.
func (e Endpoints) LogoutURL() string { return e.realmURL("logout") }

// UserInfoURL is the userinfo endpoint.
func (e Endpoints) UserInfoURL() string { return e.realmURL("userinfo") }

// AdminUsersURL is the admin users collection for the realm.
func (e Endpoints) AdminUsersURL() string {
	return fmt.Sprintf("%s/admin/realms/%s/users",
		strings.TrimRight(e.BaseURL, "/"), url.PathEscape(e.Realm))
}

// BuildAuthorizationURL constructs the authorization request URL for the
// code+PKCE flow. The caller supplies the anti-CSRF state.
func BuildAuthorizationURL(ep Endpoints, clientID, redirectURI, challenge, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("scope", oauthScope)
	q.Set("state", state)
	return ep.AuthURL() + "?" + q.Encode()
}

// ExchangeCode swaps an authorization code plus its verifier for tokens.
// This layer never retries; retry policy lives in the session manager.
func ExchangeCode(ctx context.Context, client *http.Client, ep Endpoints, clientID, redirectURI, code, verifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	return postTokenForm(ctx, client, ep.TokenURL(), form)
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, client *http.Client, ep Endpoints, clientID, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("refresh_token", refreshToken)
	return postTokenForm(ctx, client, ep.TokenURL(), form)
}

func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TokenError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response contains no access token")
	}
	return &tok, nil
}
