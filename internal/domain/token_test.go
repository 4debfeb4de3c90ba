package domain

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactedStringNeverLeaks(t *testing.T) {
	secret := RedactedString("super-secret-token")

	assert.Equal(t, "[REDACTED]", secret.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", secret))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", secret))
	assert.Equal(t, "super-secret-token", secret.Reveal())

	assert.Empty(t, RedactedString("").String())
}

func TestTokenStateJSONRedactsSecrets(t *testing.T) {
	state := TokenState{
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		TokenKey:     "pco:org-1",
		Adapter:      "pco",
	}

	raw, err := json.Marshal(state)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "access-secret")
	assert.NotContains(t, string(raw), "refresh-secret")
	assert.Contains(t, string(raw), "pco:org-1")
}

func TestTokenKeyFor(t *testing.T) {
	assert.Equal(t, "pco:org-1", TokenKeyFor("pco", "org-1"))
}

func TestNeedsRefresh(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := TokenState{
		CreatedAt: issued,
		ExpiresIn: 2 * time.Hour,
	}

	margin := time.Minute
	assert.False(t, state.NeedsRefresh(issued, margin))
	assert.False(t, state.NeedsRefresh(issued.Add(time.Hour), margin))
	assert.True(t, state.NeedsRefresh(issued.Add(2*time.Hour).Add(-30*time.Second), margin))
	assert.True(t, state.NeedsRefresh(issued.Add(3*time.Hour), margin))

	assert.Equal(t, issued.Add(2*time.Hour), state.ExpiresAt())
}
