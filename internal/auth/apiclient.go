package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"digma-core-go/internal/apierrors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	loginPath   = "/authentication/login"
	refreshPath = "/authentication/refresh-token"
	aboutPath   = "/about"
)

// AboutInfo is the deployment metadata reported by the backend.
// IsCentralized is nil when the backend predates the field.
type AboutInfo struct {
	ApplicationVersion string
	IsCentralized      *bool
}

// LoginResult carries the identity and tokens produced by a successful login.
type LoginResult struct {
	UserID      string
	Credentials *Credentials
}

// AuthAPIClient issues the authentication-relevant calls against the backend.
// Token bookkeeping belongs to AuthManager and the store; the only mutable
// state here is the target URL, which follows config hot reloads.
type AuthAPIClient struct {
	mu         sync.RWMutex
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// APIClientOption customizes AuthAPIClient creation.
type APIClientOption func(*AuthAPIClient)

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) APIClientOption {
	return func(c *AuthAPIClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithNowFunc overrides the clock used for issue timestamps (testing).
func WithNowFunc(now func() time.Time) APIClientOption {
	return func(c *AuthAPIClient) {
		if now != nil {
			c.now = now
		}
	}
}

// NewAuthAPIClient creates a client for the backend at baseURL.
func NewAuthAPIClient(baseURL string, timeout time.Duration, opts ...APIClientOption) *AuthAPIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &AuthAPIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BaseURL returns the backend URL this client currently targets.
func (c *AuthAPIClient) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL retargets the client. In-flight requests finish against the old
// URL; callers invalidate the cached login handler afterwards so the next
// operation re-queries the deployment mode.
func (c *AuthAPIClient) SetBaseURL(baseURL string) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.mu.Unlock()
}

// Login performs a username/password login and returns fresh credentials.
func (c *AuthAPIClient) Login(ctx context.Context, user, password string) (*LoginResult, error) {
	body, _ := sjson.Set("{}", "username", user)
	body, _ = sjson.Set(body, "password", password)

	payload, err := c.post(ctx, loginPath, body)
	if err != nil {
		return nil, err
	}
	creds, err := c.credentialsFromPayload(payload)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		UserID:      gjson.Get(payload, "userId").String(),
		Credentials: creds,
	}, nil
}

// RefreshToken exchanges an expired access token for a fresh pair.
func (c *AuthAPIClient) RefreshToken(ctx context.Context, accessToken, refreshToken string) (*Credentials, error) {
	body, _ := sjson.Set("{}", "accessToken", accessToken)
	body, _ = sjson.Set(body, "refreshToken", refreshToken)

	payload, err := c.post(ctx, refreshPath, body)
	if err != nil {
		return nil, err
	}
	return c.credentialsFromPayload(payload)
}

// About fetches deployment metadata. The isCentralize field is parsed
// leniently: absent or null yields nil rather than an error.
func (c *AuthAPIClient) About(ctx context.Context) (*AboutInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+aboutPath, nil)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(req)
	if err != nil {
		return nil, err
	}

	info := &AboutInfo{
		ApplicationVersion: gjson.Get(payload, "applicationVersion").String(),
	}
	if v := gjson.Get(payload, "isCentralize"); v.Exists() && v.Type != gjson.Null {
		b := v.Bool()
		info.IsCentralized = &b
	}
	return info, nil
}

func (c *AuthAPIClient) post(ctx context.Context, path, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+path, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *AuthAPIClient) do(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apierrors.Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apierrors.Classify(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &apierrors.AuthenticationError{
			Status:  resp.StatusCode,
			Message: gjson.GetBytes(data, "message").String(),
		}
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("backend returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return string(data), nil
}

func (c *AuthAPIClient) credentialsFromPayload(payload string) (*Credentials, error) {
	access := gjson.Get(payload, "accessToken").String()
	refresh := gjson.Get(payload, "refreshToken").String()
	if access == "" || refresh == "" {
		return nil, fmt.Errorf("backend response missing token material")
	}

	creds := &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		IssuedAt:     c.now(),
	}
	if exp := gjson.Get(payload, "expiration").String(); exp != "" {
		parsed, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			return nil, fmt.Errorf("backend expiration unparsable: %w", err)
		}
		creds.ExpiresAt = parsed
	}
	return creds, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
