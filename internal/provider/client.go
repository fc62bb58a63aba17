package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"example.com/healthsync/internal/domain"
)

const maxBodyBytes = 8 << 20

// HTTPError is a non-2xx provider response. Unwrap yields the classified domain sentinel.
type HTTPError struct {
	Provider domain.Provider
	Status   int
	Code     string
	Detail   string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s responded %d", e.Provider, e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *HTTPError) Unwrap() error {
	return classifyStatus(e.Status, e.Code)
}

func classifyStatus(status int, code string) error {
	switch {
	case status == http.StatusUnauthorized:
		return domain.ErrAuthExpired
	case code == "expired_token" || code == "invalid_token" || code == "invalid_grant":
		return domain.ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		return domain.ErrNetwork
	}
}

// Config carries the per-provider settings shared by every adapter.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RateLimit is the outgoing request budget in requests per second; zero disables limiting.
	RateLimit  float64
	HTTPClient *http.Client
}

// Configured reports whether OAuth client credentials are present.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// WithDefaults fills empty URLs with the provider's public endpoints.
func (c Config) WithDefaults(baseURL, tokenURL string) Config {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.TokenURL == "" {
		c.TokenURL = tokenURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// Client issues bearer-authenticated GET requests against one provider API.
type Client struct {
	provider domain.Provider
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient builds a client for cfg.BaseURL.
func NewClient(p domain.Provider, cfg Config) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		provider: p,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Get requests path with the given query and returns the response body. Transport failures wrap
// domain.ErrNetwork; non-2xx responses are *HTTPError.
func (c *Client) Get(ctx context.Context, accessToken, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s rate limiter: %w", domain.ErrNetwork, c.provider, err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", domain.ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", domain.ErrNetwork, c.provider, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", domain.ErrNetwork, c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Provider: c.provider,
			Status:   resp.StatusCode,
			Code:     errorCode(body),
			Detail:   truncate(string(body), 200),
		}
	}
	return body, nil
}

// errorCode extracts an OAuth-style error code from common provider error bodies.
func errorCode(body []byte) string {
	var envelope struct {
		Error  json.RawMessage `json:"error"`
		Errors []struct {
			ErrorType string `json:"errorType"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors[0].ErrorType
	}
	var code string
	if err := json.Unmarshal(envelope.Error, &code); err == nil {
		return code
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// IsHTTPStatus reports whether err is an *HTTPError with the given status.
func IsHTTPStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == status
}
