// Package auth defines the authentication collaborator consumed by the
// connection manager. Credentials are injected at handshake time only;
// refreshed tokens apply to the next connection attempt.
package auth

import (
	"context"
	"net/http"
	"time"
)

// Config carries the credentials for one engine endpoint.
type Config struct {
	BaseURL        string    `json:"baseUrl"        yaml:"base_url"        validate:"required,url"`
	APIKey         string    `json:"apiKey"         yaml:"api_key"`
	Token          string    `json:"token"          yaml:"token"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt" yaml:"token_expires_at"`
	SessionCookie  string    `json:"sessionCookie"  yaml:"session_cookie"`
}

// Result reports the outcome of an authentication attempt.
type Result struct {
	Success bool
	UserID  string
	Error   string
}

// Manager is the collaborator interface. Implementations are injected
// into the connection manager; there is no process-wide instance.
type Manager interface {
	Authenticate(ctx context.Context, cfg Config) (Result, error)
	NeedsTokenRefresh(cfg Config) bool
	RefreshToken(ctx context.Context, cfg Config) (*Config, error)
	GenerateAuthHeaders(cfg Config) http.Header
}
