// Package auth resolves bearer tokens to stable user identities through an
// external identity provider. The provider is treated as a black box: a GET
// to its user-info endpoint with the client's Authorization header either
// returns the user's email or rejects the token. When the provider is
// disabled every caller is anonymous and the scheduler records jobs under
// the sandbox user.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ErrUnauthorized covers a missing Authorization header and a token the
// identity provider rejects. The API layer maps it to 401.
var ErrUnauthorized = errors.New("unauthorized")

// Config holds the identity-provider settings for an Authenticator.
type Config struct {
	// Enabled toggles token resolution. When false, Resolve returns an empty
	// user ID and no error.
	Enabled bool

	// UserInfoURL is the provider's user-info endpoint.
	UserInfoURL string

	// Host overrides the Host header on the user-info request. Needed when
	// the provider sits behind a shared ingress that routes on Host.
	Host string
}

// Authenticator is stateless; it holds only configuration and the shared
// outbound HTTP client.
type Authenticator struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an Authenticator using the given shared HTTP client.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		client: client,
		logger: logger.Named("auth"),
	}
}

// ExtractToken reads the Authorization header verbatim. The token is passed
// through to the identity provider and the allocators unmodified, so no
// scheme parsing happens here. A missing header is an authentication failure.
func (a *Authenticator) ExtractToken(r *http.Request) (string, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		a.logger.Warn("request without authorization header")
		return "", fmt.Errorf("no authorization header: %w", ErrUnauthorized)
	}
	return token, nil
}

// Resolve maps a token to a user ID via the identity provider. When the
// provider is disabled it returns an empty user ID, which callers substitute
// with the sandbox user for inserts.
//
// Provider responses map as follows: non-200 means the token is invalid
// (ErrUnauthorized); transport failures and malformed bodies are internal
// errors.
func (a *Authenticator) Resolve(ctx context.Context, token string) (string, error) {
	if !a.cfg.Enabled {
		a.logger.Debug("identity provider disabled, using sandbox user")
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("auth: building user-info request: %w", err)
	}
	req.Header.Set("Authorization", token)
	if a.cfg.Host != "" {
		req.Host = a.cfg.Host
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: user-info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("identity provider rejected token", zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("invalid token (status %d): %w", resp.StatusCode, ErrUnauthorized)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("auth: reading user-info response: %w", err)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("auth: invalid user-info response: %w", err)
	}
	if userInfo.Email == "" {
		return "", fmt.Errorf("auth: user-info response has no email")
	}

	a.logger.Debug("token resolved", zap.String("user", userInfo.Email))
	return userInfo.Email, nil
}
