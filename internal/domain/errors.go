package domain

import "errors"

var (
	// ErrAuthExpired indicates a provider token is invalid and could not be refreshed.
	ErrAuthExpired = errors.New("provider authorization expired")
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrNetwork covers transport failures, timeouts and provider 5xx responses.
	ErrNetwork = errors.New("provider network error")
	// ErrMalformedPayload indicates a provider document could not be decoded.
	ErrMalformedPayload = errors.New("malformed provider payload")
	// ErrUnsupported is returned when a provider or capability is not configured.
	ErrUnsupported = errors.New("provider not supported")
	// ErrStoreUnavailable is fatal to a sync cycle.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrUserNotFound is returned when the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrIntegrationNotFound is returned when an integration cannot be located for the user.
	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrInvalidWindow is returned for empty or inverted time windows.
	ErrInvalidWindow = errors.New("invalid time window")
	// ErrInvalidRecord is returned when a record is missing identity fields.
	ErrInvalidRecord = errors.New("invalid record")
)
