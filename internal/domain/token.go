package domain

import (
	"fmt"
	"time"
)

// RedactedString holds a secret that must never appear in logs or JSON.
// Reveal returns the raw value for use in outbound requests.
type RedactedString string

// String implements fmt.Stringer and always redacts.
func (s RedactedString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON redacts the value.
func (s RedactedString) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// Reveal returns the underlying secret.
func (s RedactedString) Reveal() string {
	return string(s)
}

// TokenState holds the OAuth access and refresh tokens for one
// (adapter, org) credential. It is created on the initial grant and mutated
// in place on every refresh; it is never deleted while the integration
// remains connected.
type TokenState struct {
	AccessToken  RedactedString `json:"access_token"`
	RefreshToken RedactedString `json:"refresh_token"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresIn    time.Duration  `json:"expires_in"`
	TokenKey     string         `json:"token_key"`
	Adapter      string         `json:"adapter"`
	OrgID        string         `json:"org_id"`
	UserID       string         `json:"user_id"`
}

// TokenKeyFor derives the storage key for an (adapter, org) pair.
func TokenKeyFor(adapter, orgID string) string {
	return adapter + ":" + orgID
}

// ExpiresAt returns the instant the access token stops being valid.
func (t *TokenState) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.ExpiresIn)
}

// NeedsRefresh reports whether the access token is within margin of expiry.
func (t *TokenState) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !now.Before(t.ExpiresAt().Add(-margin))
}
