// Package oauth fetches and refreshes OAuth2 tokens for actions whose
// Authentication.Kind is AuthOAuth2: the initial fetch uses the
// client_credentials grant, and a refresh uses the refresh_token grant
// when a refresh token is stored (otherwise client_credentials again). It reuses
// golang.org/x/oauth2's Token type for the at-rest shape rather than
// defining a parallel one.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jordigilh/actionrunner/pkg/action"
)

// clockSkew is subtracted from the token's reported expiry at storage
// time, so every later comparison already accounts for skew and never has
// to re-apply it — stacking the correction once per check would make the
// effective safety margin grow with every refresh check instead of
// staying fixed.
const clockSkew = 60 * time.Second

// preExpiryWindow triggers a refresh this long before the (skew-adjusted)
// expiry.
const preExpiryWindow = 5 * time.Minute

// minRefreshInterval rate-limits refresh attempts for a single client,
// so a burst of concurrent callers hitting an expired token doesn't each
// fire their own request against the token endpoint.
const minRefreshInterval = 10 * time.Second

// Record is the stored state for one OAuth2 client.
type Record struct {
	Token        *oauth2.Token
	LastRefresh  time.Time
}

// Manager fetches and caches tokens per client ID, single-flighting
// concurrent refreshes for the same client so only one request ever hits
// the token endpoint at a time.
type Manager struct {
	httpClient *http.Client

	mu      sync.Mutex
	records map[string]*Record
	locks   map[string]*sync.Mutex
}

// NewManager constructs a Manager using httpClient for token requests.
func NewManager(httpClient *http.Client) *Manager {
	return &Manager{
		httpClient: httpClient,
		records:    make(map[string]*Record),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(clientID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[clientID] = l
	}
	return l
}

// Token returns a valid access token for cfg, refreshing it if it is
// within preExpiryWindow of expiry or not yet fetched. Concurrent callers
// for the same client ID coalesce onto a single refresh.
func (m *Manager) Token(ctx context.Context, cfg action.OAuth2Config) (string, *action.ErrorDetail) {
	lock := m.lockFor(cfg.ClientID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	record := m.records[cfg.ClientID]
	m.mu.Unlock()

	if record != nil && record.Token.Valid() && time.Until(record.Token.Expiry) > preExpiryWindow {
		return record.Token.AccessToken, nil
	}

	if record != nil && time.Since(record.LastRefresh) < minRefreshInterval {
		return "", &action.ErrorDetail{
			Category:  action.CategoryRateLimitBurst,
			Message:   "token refresh attempted too soon after the previous one",
			Code:      "token_refresh_rate_limited",
			Retryable: false,
		}
	}

	token, errDetail := m.fetch(ctx, cfg, record)
	if errDetail != nil {
		return "", errDetail
	}

	token.Expiry = token.Expiry.Add(-clockSkew)

	m.mu.Lock()
	m.records[cfg.ClientID] = &Record{Token: token, LastRefresh: time.Now()}
	m.mu.Unlock()

	return token.AccessToken, nil
}

// fetch obtains a new token. When previous carries a refresh token, it
// uses the refresh_token grant (current refresh token, client
// credentials, original scope) per the token endpoint's normal refresh
// flow; otherwise it bootstraps with client_credentials, since there is
// no refresh token yet to spend.
func (m *Manager) fetch(ctx context.Context, cfg action.OAuth2Config, previous *Record) (*oauth2.Token, *action.ErrorDetail) {
	form := url.Values{}
	if previous != nil && previous.Token != nil && previous.Token.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", previous.Token.RefreshToken)
	} else {
		form.Set("grant_type", "client_credentials")
	}
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryValidationFailed,
			Message:   fmt.Sprintf("build token request: %v", err),
			Retryable: false,
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryNetworkTimeout,
			Message:   fmt.Sprintf("token request failed: %v", err),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryAPIResponseMalformed,
			Message:   fmt.Sprintf("reading token response: %v", err),
			Retryable: true,
		}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyOAuthError(resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryAPIResponseMalformed,
			Message:   "token response is not valid JSON",
			Code:      "invalid_response",
			Retryable: true,
		}
	}
	if payload.AccessToken == "" {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryAPIResponseMalformed,
			Message:   "token response missing access_token",
			Code:      "invalid_response",
			Retryable: true,
		}
	}

	expiry := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	if payload.ExpiresIn == 0 {
		expiry = time.Now().Add(time.Hour)
	}

	// Rotate the refresh token only when the server issued a new one; a
	// server that omits refresh_token on this response expects the
	// existing one to remain valid for the next refresh.
	refreshToken := payload.RefreshToken
	if refreshToken == "" && previous != nil && previous.Token != nil {
		refreshToken = previous.Token.RefreshToken
	}

	return &oauth2.Token{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		RefreshToken: refreshToken,
		Expiry:       expiry,
	}, nil
}

// oauthErrorField is the subset of RFC 6749's error response body this
// manager understands.
type oauthErrorField struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func classifyOAuthError(statusCode int, body []byte) *action.ErrorDetail {
	var parsed oauthErrorField
	_ = json.Unmarshal(body, &parsed)

	message := parsed.ErrorDescription
	if message == "" {
		message = parsed.Error
	}
	if message == "" {
		message = fmt.Sprintf("token endpoint returned status %d", statusCode)
	}

	switch parsed.Error {
	case "invalid_client", "unauthorized_client":
		return &action.ErrorDetail{Category: action.CategoryAuthInvalid, Message: message, StatusCode: statusCode, Retryable: false, Code: parsed.Error}
	case "invalid_grant":
		return &action.ErrorDetail{Category: action.CategoryAuthExpired, Message: message, StatusCode: statusCode, Retryable: false, Code: parsed.Error}
	case "invalid_scope":
		return &action.ErrorDetail{Category: action.CategoryValidationFailed, Message: message, StatusCode: statusCode, Retryable: false, Code: parsed.Error}
	case "temporarily_unavailable", "server_error":
		return &action.ErrorDetail{Category: action.CategoryAPIUnavailable, Message: message, StatusCode: statusCode, Retryable: true, Code: parsed.Error}
	}

	if statusCode == http.StatusTooManyRequests {
		return &action.ErrorDetail{Category: action.CategoryRateLimitBurst, Message: message, StatusCode: statusCode, Retryable: true}
	}
	if statusCode >= 500 {
		return &action.ErrorDetail{Category: action.CategoryAPIUnavailable, Message: message, StatusCode: statusCode, Retryable: true}
	}
	return &action.ErrorDetail{Category: action.CategoryAuthInvalid, Message: message, StatusCode: statusCode, Retryable: false}
}
