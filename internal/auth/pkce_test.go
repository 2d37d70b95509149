package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestGenerateVerifier(t *testing.T) {
	v1, err := GenerateVerifier()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v1) != 43 {
		t.Errorf("verifier length = %d, want 43", len(v1))
	}
	if strings.ContainsAny(v1, "+/=") {
		t.Errorf("verifier %q must be base64url without padding", v1)
	}

	v2, _ := GenerateVerifier()
	if v1 == v2 {
		t.Error("two verifiers must not collide")
	}
}

func TestGenerateChallenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := sha256.Sum256([]byte(verifier))
	got := GenerateChallenge(verifier)
	if got != base64.RawURLEncoding.EncodeToString(want[:]) {
		t.Errorf("challenge = %q", got)
	}
	// Deterministic.
	if got != GenerateChallenge(verifier) {
		t.Error("challenge must be deterministic per verifier")
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	ep := Endpoints{BaseURL: "https://idp.example.de", Realm: "schule"}
	raw := BuildAuthorizationURL(ep, "importer", "https://localhost:8443/auth/callback", "challenge123", "state456")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}
	if u.Path != "/realms/schule/protocol/openid-connect/auth" {
		t.Errorf("path = %q", u.Path)
	}

	q := u.Query()
	checks := map[string]string{
		"response_type":         "code",
		"client_id":             "importer",
		"redirect_uri":          "https://localhost:8443/auth/callback",
		"code_challenge":        "challenge123",
		"code_challenge_method": "S256",
		"scope":                 "openid profile email",
		"state":                 "state456",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
}

func TestExchangeCode(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":300,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	ep := Endpoints{BaseURL: srv.URL, Realm: "schule"}
	tok, err := ExchangeCode(context.Background(), srv.Client(), ep, "importer", "https://cb", "thecode", "theverifier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.ExpiresIn != 300 {
		t.Errorf("token = %+v", tok)
	}
	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code_verifier") != "theverifier" {
		t.Errorf("code_verifier = %q", gotForm.Get("code_verifier"))
	}
}

// Non-2xx responses carry the provider's status and body for diagnostics.
func TestExchangeCodeErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	ep := Endpoints{BaseURL: srv.URL, Realm: "schule"}
	_, err := ExchangeCode(context.Background(), srv.Client(), ep, "importer", "https://cb", "used-code", "v")
	tokenErr, ok := err.(*TokenError)
	if !ok {
		t.Fatalf("expected *TokenError, got %T: %v", err, err)
	}
	if tokenErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", tokenErr.StatusCode)
	}
	if !strings.Contains(tokenErr.Body, "invalid_grant") {
		t.Errorf("body = %q", tokenErr.Body)
	}
}
