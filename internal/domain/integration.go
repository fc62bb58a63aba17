package domain

import "time"

// Integration is one provider connection for one user.
type Integration struct {
	ID           string
	UserID       string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	LastSync     *time.Time
	IsActive     bool
	NeedsReauth  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenExpired reports whether the access token expiry is known and has passed.
func (i Integration) TokenExpired(now time.Time) bool {
	return !i.TokenExpiry.IsZero() && !now.Before(i.TokenExpiry)
}

// ActiveOnly filters integrations down to the active ones, preserving order.
func ActiveOnly(integrations []Integration) []Integration {
	out := make([]Integration, 0, len(integrations))
	for _, integ := range integrations {
		if integ.IsActive {
			out = append(out, integ)
		}
	}
	return out
}
