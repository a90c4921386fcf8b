package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// graphScope requests the application permissions granted to the client.
const graphScope = "https://graph.microsoft.com/.default"

// tokenExpiryBuffer is subtracted from the advertised lifetime so a token is
// never used in its final minutes.
const tokenExpiryBuffer = 5 * time.Minute

// tokenCache fetches client-credentials tokens for the Graph API and keeps
// the current one until shortly before it expires. Safe for concurrent use.
type tokenCache struct {
	mu         sync.Mutex
	conf       *clientcredentials.Config
	httpClient *http.Client
	current    *oauth2.Token
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

// Token returns the cached access token or fetches a new one.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.usable() {
		return tc.current.AccessToken, nil
	}
	return tc.fetch(ctx)
}

// ForceRefresh discards the cached token and fetches a new one. Send calls
// it once after the API answers 401.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.current = nil
	return tc.fetch(ctx)
}

// usable reports whether the cached token outlives the expiry buffer.
// A token without an expiry never goes stale. The caller must hold tc.mu.
func (tc *tokenCache) usable() bool {
	if tc.current == nil {
		return false
	}
	if tc.current.Expiry.IsZero() {
		return true
	}
	return time.Now().Before(tc.current.Expiry.Add(-tokenExpiryBuffer))
}

// fetch runs the client-credentials exchange. The caller must hold tc.mu.
func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	if tc.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tc.httpClient)
	}

	tok, err := tc.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}

	tc.current = tok
	slog.Debug("acquired Graph API token", "expires_at", tok.Expiry)
	return tok.AccessToken, nil
}
