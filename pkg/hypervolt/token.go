package hypervolt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voltsync/voltsync/pkg/log"
)

// DefaultAuthURL is the Keycloak token endpoint for retail customers.
const DefaultAuthURL = "https://kc.prod.hypervolt.co.uk/realms/retail-customers/protocol/openid-connect/token"

const authClientID = "home-assistant"

// TokenManager owns the OAuth tokens for one set of credentials. It is safe
// for concurrent use; the coordinator and the reconnect supervisors both
// call into it.
type TokenManager struct {
	client   *http.Client
	authURL  string
	username string
	password string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewTokenManager returns a TokenManager using the given http client. An
// empty authURL selects the production endpoint.
func NewTokenManager(client *http.Client, authURL, username, password string) *TokenManager {
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	return &TokenManager{
		client:   client,
		authURL:  authURL,
		username: username,
		password: password,
	}
}

// SetClient swaps the underlying http client. The coordinator replaces the
// client on every full re-login cycle.
func (t *TokenManager) SetClient(client *http.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = client
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Login performs a full password-grant authentication. A 4xx response is
// ErrInvalidAuth and clears any stored tokens; transport and server errors
// are ErrCannotConnect.
func (t *TokenManager) Login(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "attempting log in")
	data := url.Values{}
	data.Set("client_id", authClientID)
	data.Set("grant_type", "password")
	data.Set("scope", "openid profile email offline_access")
	data.Set("username", t.username)
	data.Set("password", t.password)

	if err := t.grant(ctx, data); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "logged in")
	return nil
}

// LoginOrRefresh attempts a refresh grant when a refresh token is held and
// falls back to a full login on any refresh failure. Only the final outcome
// is surfaced.
func (t *TokenManager) LoginOrRefresh(ctx context.Context) error {
	t.mu.Lock()
	refresh := t.refreshToken
	t.mu.Unlock()

	if refresh != "" {
		if err := t.refresh(ctx); err == nil {
			return nil
		} else {
			// A failed refresh is not fatal, a full login may still work.
			log.Ctx(ctx).InfoContext(ctx, "token refresh failed, attempting full login", slog.Any("error", err))
		}
	}
	return t.Login(ctx)
}

func (t *TokenManager) refresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "attempting to refresh access token")
	data := url.Values{}
	data.Set("client_id", authClientID)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", t.refreshToken)

	if err := t.grant(ctx, data); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "access token refreshed")
	return nil
}

// grant performs one token-endpoint request and stores the result. The
// caller must hold t.mu.
func (t *TokenManager) grant(ctx context.Context, data url.Values) error {
	req, err := http.NewRequestWithContext(ctx, "POST", t.authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Don't attempt to use the stored tokens again.
		t.accessToken = ""
		t.refreshToken = ""
		t.expiresAt = time.Time{}
		return fmt.Errorf("%w: status %d", ErrInvalidAuth, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrCannotConnect, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("%w: decoding token response: %v", ErrCannotConnect, err)
	}
	t.accessToken = tr.AccessToken
	t.refreshToken = tr.RefreshToken
	t.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	log.Ctx(ctx).DebugContext(ctx, "access token stored", slog.Time("expiresAt", t.expiresAt))
	return nil
}

// AccessToken returns the current access token, or empty when logged out.
func (t *TokenManager) AccessToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessToken
}

// ExpiringWithin reports whether the access token expires within d. An
// absent token always reports true.
func (t *TokenManager) ExpiringWithin(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accessToken == "" {
		return true
	}
	return time.Now().Add(d).After(t.expiresAt)
}

// Invalidate drops both tokens so the next LoginOrRefresh performs a full
// login.
func (t *TokenManager) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = ""
	t.refreshToken = ""
	t.expiresAt = time.Time{}
}
