// Package graph implements a Provider that sends built messages through the
// Microsoft Graph sendMail endpoint in MIME format.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/provider"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// GraphProvider posts base64-encoded MIME messages to the Graph sendMail
// endpoint of the configured sender mailbox.
type GraphProvider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	retry      provider.Backoff
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)

	client := &http.Client{Timeout: 30 * time.Second}
	return newWithOverrides(cfg, graphURL, tokenURL, client)
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retry:      provider.DefaultBackoff(),
	}
}

// Send renders the message and posts it in MIME format.
// Transient failures are retried with exponential backoff, HTTP 429 honours
// Retry-After, and a single HTTP 401 triggers a token refresh.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	body := []byte(base64.StdEncoding.EncodeToString(raw))

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= g.retry.Retries; attempt++ {
		err := g.doSendRequest(ctx, body)
		if err == nil {
			slog.Debug("Graph API accepted message",
				"message_id", msg.MessageID,
				"attempt", attempt,
			)
			return nil
		}
		lastErr = err

		var apiErr *sendError
		if !errors.As(err, &apiErr) || apiErr.permanent {
			return err
		}

		if apiErr.statusCode == http.StatusUnauthorized {
			if tokenRefreshed {
				return apiErr
			}
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
			continue
		}

		delay := g.retry.Delay(attempt)
		if apiErr.statusCode == http.StatusTooManyRequests {
			delay = g.retryAfterDelay(apiErr.retryAfter, attempt)
		}
		slog.Info("transient Graph API error, retrying",
			"status", apiErr.statusCode,
			"attempt", attempt+1,
			"delay", delay,
		)
		if err := provider.Wait(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", g.retry.Retries, lastErr)
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// doSendRequest performs a single POST of the base64 MIME body.
func (g *GraphProvider) doSendRequest(ctx context.Context, body []byte) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	retryAfter := resp.Header.Get("Retry-After")

	var errResp graphErrorResponse
	if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Code, errResp.Error.Message, retryAfter)
	}
	return classifyError(resp.StatusCode, "", string(respBody), retryAfter)
}

// graphErrorResponse is the JSON error envelope of the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sendError is a Graph API failure classified for retry decisions.
type sendError struct {
	code       string
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

// Error implements the error interface.
func (e *sendError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.statusCode, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
// 401 counts as transient because Send refreshes the token once.
func classifyError(statusCode int, code, message, retryAfter string) *sendError {
	err := &sendError{
		code:       code,
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.permanent = true
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay honours a Retry-After value in seconds and otherwise
// falls back to the backoff schedule.
func (g *GraphProvider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return g.retry.Delay(attempt)
}
