package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
)

// OAuthRefresher performs the refresh-token grant against a provider token endpoint.
type OAuthRefresher struct {
	provider   domain.Provider
	config     oauth2.Config
	httpClient *http.Client
	configured bool
}

// NewOAuthRefresher builds a refresher. style selects how client credentials are sent.
func NewOAuthRefresher(p domain.Provider, cfg Config, style oauth2.AuthStyle) *OAuthRefresher {
	return &OAuthRefresher{
		provider: p,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: style,
			},
		},
		httpClient: cfg.HTTPClient,
		configured: cfg.Configured(),
	}
}

// Refresh exchanges refreshToken for a new access token. Rejected grants wrap ErrAuthExpired.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if !r.configured {
		return Token{}, fmt.Errorf("%w: %s client credentials not configured", domain.ErrUnsupported, r.provider)
	}
	if refreshToken == "" {
		return Token{}, fmt.Errorf("%w: %s integration has no refresh token", domain.ErrAuthExpired, r.provider)
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Token{}, r.classify(err)
	}

	out := Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry.UTC()}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func (r *OAuthRefresher) classify(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil {
		status := retrieve.Response.StatusCode
		switch {
		case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("%w: %s refresh rejected: %s", domain.ErrAuthExpired, r.provider, retrieve.ErrorCode)
		case status == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s token endpoint", domain.ErrRateLimited, r.provider)
		}
		return fmt.Errorf("%w: %s token endpoint responded %d", domain.ErrNetwork, r.provider, status)
	}
	return fmt.Errorf("%w: %s refresh: %w", domain.ErrNetwork, r.provider, err)
}
