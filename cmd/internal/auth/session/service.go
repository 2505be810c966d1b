package session

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Validator turns a bearer credential into claims. Transports depend on this
// interface rather than on *Service.
type Validator interface {
	ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error)
}

// Service verifies access tokens and, when a store is configured, the
// session rows behind them.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
}

// NewService constructs a Service. store may be nil for stateless verification.
func NewService(cfg Config, store Store, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens}
}

// IssueAccessToken issues a short-lived access token for an existing session.
func (s *Service) IssueAccessToken(userID, sessionID string, now time.Time) (token string, exp time.Time, err error) {
	return s.tokens.Issue(userID, sessionID, now)
}

// ValidateAccessToken verifies an access token and ensures the backing session is active.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}
	if s.store == nil {
		return claims, nil
	}

	// Server-authoritative session check to honor revocations.
	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}

	return claims, nil
}

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the access_token query parameter (browsers cannot
// set headers on websocket upgrades).
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

type claimsKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) (AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(AccessClaims)
	return c, ok
}
