package token

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

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/rs/zerolog"
)

const (
	// safetyMargin refreshes tokens this long before their actual expiry.
	safetyMargin = 60 * time.Second
	// refreshAttempts bounds retries of a failing refresh call.
	refreshAttempts = 3
	// lockTTL bounds how long a dead process can hold the refresh lock.
	lockTTL = 30 * time.Second
	// lockPollInterval is how often a non-holder re-checks for the result
	// of a refresh in flight elsewhere.
	lockPollInterval = 500 * time.Millisecond
)

// OAuthConfig holds the credential needed to refresh tokens for one adapter.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// inflight is one refresh in progress within this process. Waiters block on
// done and share the result instead of issuing duplicate refresh calls; a
// duplicate refresh can invalidate the first refresh token and strand every
// concurrent caller.
type inflight struct {
	done  chan struct{}
	token domain.RedactedString
	err   error
}

// Manager holds and refreshes OAuth token state per credential key. At most
// one refresh is in flight per key at any time, both within this process
// (waiter map) and across processes (distributed lock).
type Manager struct {
	repo       ports.TokenRepository
	encryption ports.EncryptionService
	lock       ports.RefreshLock
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.Mutex
	configs  map[string]OAuthConfig
	inflight map[string]*inflight

	now func() time.Time
}

// NewManager creates a token lifecycle manager.
func NewManager(
	repo ports.TokenRepository,
	encryptionSvc ports.EncryptionService,
	lock ports.RefreshLock,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		repo:       repo,
		encryption: encryptionSvc,
		lock:       lock,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		configs:    make(map[string]OAuthConfig),
		inflight:   make(map[string]*inflight),
		now:        time.Now,
	}
}

// RegisterAdapter registers the OAuth client credential for an adapter.
func (m *Manager) RegisterAdapter(adapter string, cfg OAuthConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[adapter] = cfg
}

// StoreGrant persists the state produced by an initial authorization_code
// grant, encrypting the tokens at rest.
func (m *Manager) StoreGrant(ctx context.Context, state *domain.TokenState) error {
	return m.saveState(ctx, state)
}

// AccessToken returns a valid access token for the credential key,
// refreshing it first when it is within the safety margin of expiry. A
// refresh that fails irrecoverably surfaces as a token_refresh SyncError:
// fatal to the current sync run, retryable on the next scheduled attempt.
func (m *Manager) AccessToken(ctx context.Context, tokenKey string) (domain.RedactedString, error) {
	state, err := m.loadState(ctx, tokenKey)
	if err != nil {
		return "", err
	}
	if state == nil {
		return "", domain.NewSyncError(domain.ErrTokenRefresh, "", "",
			fmt.Errorf("no token state for key %q", tokenKey))
	}
	if !state.NeedsRefresh(m.now(), safetyMargin) {
		return state.AccessToken, nil
	}

	return m.refreshSingleFlight(ctx, tokenKey, state)
}

// refreshSingleFlight ensures at most one refresh per key runs in this
// process; everyone else blocks on its result.
func (m *Manager) refreshSingleFlight(ctx context.Context, tokenKey string, stale *domain.TokenState) (domain.RedactedString, error) {
	m.mu.Lock()
	if fl, ok := m.inflight[tokenKey]; ok {
		m.mu.Unlock()
		select {
		case <-fl.done:
			return fl.token, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	m.inflight[tokenKey] = fl
	m.mu.Unlock()

	fl.token, fl.err = m.refreshLocked(ctx, tokenKey, stale)

	m.mu.Lock()
	delete(m.inflight, tokenKey)
	m.mu.Unlock()
	close(fl.done)

	return fl.token, fl.err
}

// refreshLocked serializes the refresh across processes with the
// distributed lock, re-checking freshness once the lock is held in case
// another holder already refreshed.
func (m *Manager) refreshLocked(ctx context.Context, tokenKey string, stale *domain.TokenState) (domain.RedactedString, error) {
	deadline := m.now().Add(lockTTL)
	for {
		acquired, err := m.lock.Acquire(ctx, tokenKey, lockTTL)
		if err != nil {
			m.logger.Warn().Err(err).Str("tokenKey", tokenKey).Msg("Refresh lock unavailable, proceeding locally")
			acquired = true
		}
		if acquired {
			break
		}

		// Another process holds the lock; wait for its result to land.
		timer := time.NewTimer(lockPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}

		state, err := m.loadState(ctx, tokenKey)
		if err != nil {
			return "", err
		}
		if state != nil && !state.NeedsRefresh(m.now(), safetyMargin) {
			return state.AccessToken, nil
		}
		if m.now().After(deadline) {
			return "", domain.NewSyncError(domain.ErrTokenRefresh, stale.Adapter, "",
				fmt.Errorf("timed out waiting for refresh lock on %q", tokenKey))
		}
	}
	defer func() {
		if err := m.lock.Release(context.WithoutCancel(ctx), tokenKey); err != nil {
			m.logger.Warn().Err(err).Str("tokenKey", tokenKey).Msg("Failed to release refresh lock")
		}
	}()

	// Double-check after taking the lock: a concurrent holder may have
	// refreshed between our staleness check and now.
	state, err := m.loadState(ctx, tokenKey)
	if err != nil {
		return "", err
	}
	if state != nil && !state.NeedsRefresh(m.now(), safetyMargin) {
		return state.AccessToken, nil
	}
	if state == nil {
		state = stale
	}

	fresh, err := m.refreshWithRetry(ctx, state)
	if err != nil {
		return "", err
	}
	if err := m.saveState(ctx, fresh); err != nil {
		return "", err
	}

	m.logger.Info().
		Str("adapter", fresh.Adapter).
		Str("tokenKey", fresh.TokenKey).
		Time("expiresAt", fresh.ExpiresAt()).
		Msg("Access token refreshed")

	return fresh.AccessToken, nil
}

// refreshWithRetry calls the token endpoint with bounded backoff. A 4xx
// from the endpoint means the refresh token is revoked or the credential is
// wrong; retrying cannot help, so it fails immediately.
func (m *Manager) refreshWithRetry(ctx context.Context, state *domain.TokenState) (*domain.TokenState, error) {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		fresh, retryable, err := m.refreshOnce(ctx, state)
		if err == nil {
			return fresh, nil
		}
		lastErr = err
		if !retryable {
			break
		}

		m.logger.Warn().
			Err(err).
			Str("tokenKey", state.TokenKey).
			Int("attempt", attempt).
			Msg("Token refresh attempt failed")

		if attempt == refreshAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return nil, domain.NewSyncError(domain.ErrTokenRefresh, state.Adapter, "", lastErr)
}

// tokenResponse is the OAuth token endpoint's wire shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

func (m *Manager) refreshOnce(ctx context.Context, state *domain.TokenState) (*domain.TokenState, bool, error) {
	m.mu.Lock()
	cfg, ok := m.configs[state.Adapter]
	m.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("no OAuth config registered for adapter %q", state.Adapter)
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", state.RefreshToken.Reveal())
	values.Set("client_id", cfg.ClientID)
	values.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, false, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, false, fmt.Errorf("token endpoint returned empty access token")
	}

	createdAt := m.now()
	if tr.CreatedAt > 0 {
		createdAt = time.Unix(tr.CreatedAt, 0)
	}
	refreshToken := domain.RedactedString(tr.RefreshToken)
	if refreshToken == "" {
		// Some providers omit the refresh token when it is unchanged.
		refreshToken = state.RefreshToken
	}

	return &domain.TokenState{
		AccessToken:  domain.RedactedString(tr.AccessToken),
		RefreshToken: refreshToken,
		CreatedAt:    createdAt,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
		TokenKey:     state.TokenKey,
		Adapter:      state.Adapter,
		OrgID:        state.OrgID,
		UserID:       state.UserID,
	}, false, nil
}

// loadState reads the persisted state and decrypts the stored tokens.
func (m *Manager) loadState(ctx context.Context, tokenKey string) (*domain.TokenState, error) {
	state, err := m.repo.GetTokenState(ctx, tokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load token state: %w", err)
	}
	if state == nil {
		return nil, nil
	}

	access, err := m.encryption.Decrypt(state.AccessToken.Reveal())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := m.encryption.Decrypt(state.RefreshToken.Reveal())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	decrypted := *state
	decrypted.AccessToken = domain.RedactedString(access)
	decrypted.RefreshToken = domain.RedactedString(refresh)
	return &decrypted, nil
}

// saveState encrypts the tokens and persists the state.
func (m *Manager) saveState(ctx context.Context, state *domain.TokenState) error {
	access, err := m.encryption.Encrypt(state.AccessToken.Reveal())
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := m.encryption.Encrypt(state.RefreshToken.Reveal())
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	encrypted := *state
	encrypted.AccessToken = domain.RedactedString(access)
	encrypted.RefreshToken = domain.RedactedString(refresh)

	if err := m.repo.SaveTokenState(ctx, &encrypted); err != nil {
		return fmt.Errorf("failed to save token state: %w", err)
	}
	return nil
}
