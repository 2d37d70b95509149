package auth

// session.go owns the access/refresh token lifecycle for one logical
// session. The Session object is constructed once and threaded through
// every call; its lifecycle (create, refresh, destroy) is explicit method
// calls rather than ambient global state.
//
// Concurrency contract:
//   - CompleteLogin collapses duplicate near-simultaneous completion
//     triggers into one code exchange via singleflight; latecomers receive
//     the first exchange's result instead of racing a duplicate exchange
//     (providers reject a second exchange of the same code).
//   - Token refresh happens at most once per failed call, never in a loop.
//   - A failed refresh forces a full local logout; the session never
//     continues with a stale token.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// expirySafetyMargin is subtracted from the provider-declared token
	// lifetime so a token is refreshed before it actually lapses.
	expirySafetyMargin = 30 * time.Second

	// loginFreshnessWindow bounds how old a stored authorization request
	// may be when its code comes back (replay defense).
	loginFreshnessWindow = 10 * time.Minute
)

var (
	// ErrNotAuthenticated is returned when no live token exists and none
	// can be obtained.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrStateMismatch is returned when the state returned by the provider
	// does not equal the stored one (CSRF defense).
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrLoginExpired is returned when the authorization response arrives
	// outside the freshness window.
	ErrLoginExpired = errors.New("login request expired, please start over")
)

// SessionState describes where the session is in its lifecycle.
type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateExchangePending SessionState = "exchange_pending"
	StateAuthenticated   SessionState = "authenticated"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Endpoints   Endpoints
	ClientID    string
	RedirectURI string
}

// Session manages one authenticated session against the identity provider.
// Construct with NewSession; at most one live session exists per process.
type Session struct {
	cfg    SessionConfig
	store  Store
	client *http.Client
	log    *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	// exchange memoizes in-flight code exchanges per authorization code.
	exchange singleflight.Group

	// refreshFlight collapses concurrent refresh attempts into one.
	refreshFlight singleflight.Group
}

// NewSession creates a Session backed by the given store. A nil client
// selects http.DefaultClient; a nil store selects a fresh MemoryStore.
func NewSession(cfg SessionConfig, store Store, client *http.Client, log *slog.Logger) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, store: store, client: client, log: log, now: time.Now}
}

// InitiateLogin generates the PKCE verifier/challenge/state triple,
// persists the ephemeral artifacts and returns the authorization URL the
// caller must navigate to. The navigation itself is the caller's concern.
func (s *Session) InitiateLogin() (string, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	s.store.Set(KeyCodeVerifier, verifier)
	s.store.Set(KeyState, state)
	s.store.Set(KeyLoginStarted, strconv.FormatInt(s.now().UnixMilli(), 10))

	return BuildAuthorizationURL(s.cfg.Endpoints, s.cfg.ClientID, s.cfg.RedirectURI, GenerateChallenge(verifier), state), nil
}

// CompleteLogin validates the authorization response and exchanges the code
// for tokens. Duplicate concurrent calls for the same code share one
// exchange. All ephemeral exchange artifacts are cleared whatever the
// outcome.
func (s *Session) CompleteLogin(ctx context.Context, code, state string) error {
	_, err, _ := s.exchange.Do(code, func() (interface{}, error) {
		defer s.clearEphemeral()

		storedState, _ := s.store.Get(KeyState)
		if storedState == "" || storedState != state {
			return nil, ErrStateMismatch
		}

		startedRaw, _ := s.store.Get(KeyLoginStarted)
		startedMs, parseErr := strconv.ParseInt(startedRaw, 10, 64)
		if parseErr != nil {
			return nil, ErrLoginExpired
		}
		if s.now().Sub(time.UnixMilli(startedMs)) > loginFreshnessWindow {
			return nil, ErrLoginExpired
		}

		verifier, ok := s.store.Get(KeyCodeVerifier)
		if !ok || verifier == "" {
			return nil, fmt.Errorf("no code verifier stored, login was not initiated here")
		}

		tok, exchErr := ExchangeCode(ctx, s.client, s.cfg.Endpoints, s.cfg.ClientID, s.cfg.RedirectURI, code, verifier)
		if exchErr != nil {
			return nil, fmt.Errorf("code exchange failed: %w", exchErr)
		}

		s.storeTokens(tok)
		s.log.Info("login completed", "expires_in", tok.ExpiresIn)
		return nil, nil
	})
	return err
}

// clearEphemeral removes the exchange artifacts (code, state, verifier,
// request timestamp) while leaving any stored tokens alone.
func (s *Session) clearEphemeral() {
	s.store.Delete(KeyAuthCode)
	s.store.Delete(KeyState)
	s.store.Delete(KeyCodeVerifier)
	s.store.Delete(KeyLoginStarted)
}

// storeTokens persists a token response with the safety-margin-adjusted
// expiry instant.
func (s *Session) storeTokens(tok *TokenResponse) {
	expiry := s.now().Add(time.Duration(tok.ExpiresIn)*time.Second - expirySafetyMargin)
	s.store.Set(KeyAccessToken, tok.AccessToken)
	s.store.Set(KeyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10))
	if tok.RefreshToken != "" {
		s.store.Set(KeyRefreshToken, tok.RefreshToken)
	}
}

// IsAuthenticated reports whether a live (present and unexpired) access
// token exists.
func (s *Session) IsAuthenticated() bool {
	tok, ok := s.store.Get(KeyAccessToken)
	if !ok || tok == "" {
		return false
	}
	expiryRaw, _ := s.store.Get(KeyTokenExpiry)
	expiryMs, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return false
	}
	return s.now().Before(time.UnixMilli(expiryMs))
}

// State reports the session's lifecycle position.
func (s *Session) State() SessionState {
	if s.IsAuthenticated() {
		return StateAuthenticated
	}
	if v, _ := s.store.Get(KeyCodeVerifier); v != "" {
		return StateExchangePending
	}
	return StateUnauthenticated
}

// EnsureValidToken returns a live access token, transparently refreshing an
// expired one. A failed refresh destroys all local session state: the
// caller must re-authenticate.
func (s *Session) EnsureValidToken(ctx context.Context) (string, error) {
	if s.IsAuthenticated() {
		tok, _ := s.store.Get(KeyAccessToken)
		return tok, nil
	}
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	tok, ok := s.store.Get(KeyAccessToken)
	if !ok {
		return "", ErrNotAuthenticated
	}
	return tok, nil
}

// refresh exchanges the stored refresh token for a new access token.
// Concurrent callers share one refresh. On provider rejection the session
// is fully logged out locally; no partial state survives.
func (s *Session) refresh(ctx context.Context) error {
	_, err, _ := s.refreshFlight.Do("refresh", func() (interface{}, error) {
		refreshToken, ok := s.store.Get(KeyRefreshToken)
		if !ok || refreshToken == "" {
			s.localLogout()
			return nil, ErrNotAuthenticated
		}

		tok, err := RefreshToken(ctx, s.client, s.cfg.Endpoints, s.cfg.ClientID, refreshToken)
		if err != nil {
			s.log.Warn("token refresh rejected, clearing session", "error", err)
			s.localLogout()
			return nil, fmt.Errorf("%w: token refresh failed", ErrNotAuthenticated)
		}

		s.storeTokens(tok)
		return nil, nil
	})
	return err
}

// Do performs an authenticated request. On HTTP 401 or a network-level
// failure it refreshes the token and retries exactly once; it never retries
// more than once per call.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := s.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.doWithToken(ctx, req, token)
	if err == nil && resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// One refresh-and-retry: a 401 means the token lapsed server-side; a
	// network failure is retried once as a stale-token heuristic.
	if resp != nil {
		resp.Body.Close()
	}
	if refreshErr := s.refresh(ctx); refreshErr != nil {
		if err != nil {
			return nil, fmt.Errorf("request failed and token refresh failed: %w", err)
		}
		return nil, refreshErr
	}

	token, err = s.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.doWithToken(ctx, req, token)
}

// doWithToken clones the request (so it can be replayed) and attaches the
// bearer header.
func (s *Session) doWithToken(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replaying request body: %w", err)
		}
		clone.Body = body
	}
	clone.Header.Set("Authorization", "Bearer "+token)
	return s.client.Do(clone)
}

// Logout terminates the provider session best-effort, then unconditionally
// clears all local session state. Local clearing happens even when the
// remote call fails.
func (s *Session) Logout(ctx context.Context) {
	defer s.localLogout()

	accessToken, ok := s.store.Get(KeyAccessToken)
	if !ok || accessToken == "" {
		return
	}

	form := url.Values{}
	form.Set("client_id", s.cfg.ClientID)
	if refreshToken, ok := s.store.Get(KeyRefreshToken); ok && refreshToken != "" {
		form.Set("refresh_token", refreshToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoints.LogoutURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("remote logout failed, local state cleared anyway", "error", err)
		return
	}
	resp.Body.Close()
}

// localLogout destroys every session artifact.
func (s *Session) localLogout() {
	s.store.Clear()
}

// ProviderProfile is the typed shape of the provider's identity claims,
// resolved once at the session boundary instead of re-guessed at every
// read site.
type ProviderProfile struct {
	Subject           string
	Username          string
	Email             string
	GivenName         string
	FamilyName        string
	Roles             []string
	InstitutionNumber string
	InstitutionAdmin  bool
}

// profileClaims is the raw claim layout of the provider's access token.
type profileClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	InstitutionNumber string `json:"schulnummer"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// adminRole marks institution administrators in the realm role list.
const adminRole = "schuladmin"

// Profile decodes the current access token's identity claims. The token
// signature is not re-verified here: the token was received directly from
// the provider over TLS and is only read, never trusted for authorization
// decisions on our side.
func (s *Session) Profile() (*ProviderProfile, error) {
	raw, ok := s.store.Get(KeyAccessToken)
	if !ok || raw == "" {
		return nil, ErrNotAuthenticated
	}

	var claims profileClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("decoding access token claims: %w", err)
	}

	profile := &ProviderProfile{
		Subject:           claims.Subject,
		Username:          claims.PreferredUsername,
		Email:             claims.Email,
		GivenName:         claims.GivenName,
		FamilyName:        claims.FamilyName,
		Roles:             claims.RealmAccess.Roles,
		InstitutionNumber: claims.InstitutionNumber,
	}
	for _, r := range profile.Roles {
		if strings.EqualFold(r, adminRole) {
			profile.InstitutionAdmin = true
			break
		}
	}
	return profile, nil
}
