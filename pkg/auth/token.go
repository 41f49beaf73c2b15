package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrNoCredentials is returned when the config carries neither a
// bearer token, an API key nor a session cookie.
var ErrNoCredentials = errors.New("auth: no credentials configured")

// RefreshFunc exchanges an expiring token for a fresh config. A nil
// config with a nil error means the credentials cannot be refreshed.
type RefreshFunc func(ctx context.Context, cfg Config) (*Config, error)

// TokenManager is the header-based Manager implementation: bearer
// token or API key plus an optional session cookie. Refresh is
// delegated to an engine-specific RefreshFunc when one is provided.
type TokenManager struct {
	// Leeway is how long before expiry a token counts as needing
	// refresh. Defaults to 5 minutes.
	Leeway time.Duration

	// Refresh, when set, performs the token exchange.
	Refresh RefreshFunc

	clock clockwork.Clock
}

func NewTokenManager(clock clockwork.Clock) *TokenManager {
	return &TokenManager{
		Leeway: 5 * time.Minute,
		clock:  clock,
	}
}

func (m *TokenManager) Authenticate(_ context.Context, cfg Config) (Result, error) {
	if cfg.Token == "" && cfg.APIKey == "" && cfg.SessionCookie == "" {
		return Result{Success: false, Error: ErrNoCredentials.Error()}, ErrNoCredentials
	}

	if cfg.Token != "" && !cfg.TokenExpiresAt.IsZero() && !m.clock.Now().Before(cfg.TokenExpiresAt) {
		return Result{Success: false, Error: "auth: token expired"}, errors.New("auth: token expired")
	}

	return Result{Success: true, UserID: "api"}, nil
}

func (m *TokenManager) NeedsTokenRefresh(cfg Config) bool {
	if cfg.Token == "" || cfg.TokenExpiresAt.IsZero() {
		return false
	}

	return m.clock.Now().Add(m.Leeway).After(cfg.TokenExpiresAt)
}

func (m *TokenManager) RefreshToken(ctx context.Context, cfg Config) (*Config, error) {
	if m.Refresh == nil {
		return nil, nil
	}

	return m.Refresh(ctx, cfg)
}

func (m *TokenManager) GenerateAuthHeaders(cfg Config) http.Header {
	headers := http.Header{}

	switch {
	case cfg.Token != "":
		headers.Set("Authorization", "Bearer "+cfg.Token)
	case cfg.APIKey != "":
		headers.Set("X-API-Key", cfg.APIKey)
	}

	if cfg.SessionCookie != "" {
		headers.Set("Cookie", cfg.SessionCookie)
	}

	return headers
}
