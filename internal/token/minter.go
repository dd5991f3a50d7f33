package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	tenantTokenPathFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	mintTimeout           = 20 * time.Second
)

// HTTPMinterConfig carries the tenant/app registration spec.md §6 requires
// for both grant kinds.
type HTTPMinterConfig struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	AgentUsername string
	AgentPassword string
}

// HTTPMinter performs the real OAuth2 grants against the tenant token
// endpoint: resource-owner password credentials for delegated tokens,
// client-credentials for application tokens (spec.md §4.1). It implements
// Minter.
type HTTPMinter struct {
	cfg        HTTPMinterConfig
	httpClient *http.Client
	endpoint   string
}

// NewHTTPMinter builds an HTTPMinter. httpClient may be nil to use a new
// zero-value http.Client.
func NewHTTPMinter(cfg HTTPMinterConfig, httpClient *http.Client) *HTTPMinter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPMinter{
		cfg:        cfg,
		httpClient: httpClient,
		endpoint:   fmt.Sprintf(tenantTokenPathFormat, cfg.TenantID),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// Mint satisfies Minter, classifying the tenant's error response into the
// FailureKind table spec.md §4.1 describes.
func (m *HTTPMinter) Mint(ctx context.Context, kind Kind, scopes []string) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("scope", strings.Join(scopes, " "))

	switch kind {
	case KindDelegated:
		form.Set("grant_type", "password")
		form.Set("username", m.cfg.AgentUsername)
		form.Set("password", m.cfg.AgentPassword)
	case KindApplication:
		form.Set("grant_type", "client_credentials")
	default:
		return "", 0, fmt.Errorf("token: unknown kind %q", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, mintTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", 0, &MintError{Kind: FailureTransient, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed tokenResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.AccessToken != "" {
		expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
		if expiresIn <= 0 {
			expiresIn = time.Hour
		}
		return parsed.AccessToken, expiresIn, nil
	}

	return "", 0, &MintError{Kind: classifyTokenError(resp.StatusCode, parsed), Err: fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, firstNonEmpty(parsed.ErrorDesc, parsed.Error, string(body)))}
}

func classifyTokenError(status int, parsed tokenResponse) FailureKind {
	switch {
	case strings.Contains(parsed.Error, "consent_required") || strings.Contains(parsed.ErrorDesc, "AADSTS65001"):
		return FailureConsentRequired
	case status == http.StatusUnauthorized || strings.Contains(parsed.Error, "invalid_grant") || strings.Contains(parsed.Error, "invalid_client"):
		return FailureBadCredentials
	case status == http.StatusTooManyRequests:
		return FailureThrottled
	default:
		return FailureTransient
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RetryAfterSeconds extracts a numeric Retry-After header if present, for
// callers that want to fold token-endpoint throttling into the same backoff
// signal as the planner client (spec.md §4.1/§4.2 share the same discipline).
func RetryAfterSeconds(h http.Header) (time.Duration, bool) {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
