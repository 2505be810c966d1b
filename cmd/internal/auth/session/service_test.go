package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestManager(t *testing.T) AccessTokenManager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	return mgr
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	mgr := newTestManager(t)

	now := time.Now().UTC()
	tok, exp, err := mgr.Issue("user-1", "sess-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := mgr.Verify(tok, now.Add(1*time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "sess-1" {
		t.Fatalf("claims=%+v", claims)
	}

	if _, err := mgr.Verify(tok, now.Add(time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}
	if _, err := mgr.Verify("", now); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token: expected ErrMissingToken, got %v", err)
	}
	if _, err := newTestManager(t).Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign key: expected ErrInvalidToken, got %v", err)
	}
}

type fakeStore struct {
	rows map[string]Row
}

func (f fakeStore) GetByID(_ context.Context, id string) (Row, error) {
	r, ok := f.rows[id]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return r, nil
}

func TestService_ValidateAccessToken(t *testing.T) {
	mgr := newTestManager(t)
	now := time.Now().UTC()
	revokedAt := now.Add(-time.Minute)

	store := fakeStore{rows: map[string]Row{
		"live":    {ID: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour)},
		"revoked": {ID: "revoked", UserID: "u1", ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt},
		"expired": {ID: "expired", UserID: "u1", ExpiresAt: now.Add(-time.Second)},
		"other":   {ID: "other", UserID: "u2", ExpiresAt: now.Add(time.Hour)},
	}}
	svc := NewService(DefaultConfig(), store, mgr)

	cases := []struct {
		sid  string
		want error
	}{
		{"live", nil},
		{"revoked", ErrSessionRevoked},
		{"expired", ErrSessionExpired},
		{"other", ErrInvalidToken},
		{"missing", ErrSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.sid, func(t *testing.T) {
			tok, _, err := svc.IssueAccessToken("u1", tc.sid, now)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			claims, err := svc.ValidateAccessToken(context.Background(), tok, now)
			if tc.want == nil {
				if err != nil || claims.UserID != "u1" {
					t.Fatalf("claims=%+v err=%v", claims, err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if !IsAuthError(err) {
				t.Fatalf("IsAuthError(%v)=false", err)
			}
		})
	}
}

func TestService_StatelessWithoutStore(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, newTestManager(t))
	now := time.Now().UTC()

	tok, _, err := svc.IssueAccessToken("u1", "any-session", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.ValidateAccessToken(context.Background(), tok, now)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.SessionID != "any-session" {
		t.Fatalf("claims=%+v", claims)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token=%q", got)
	}

	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header token=%q", got)
	}

	r.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("basic auth yielded %q", got)
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := WithClaims(context.Background(), AccessClaims{UserID: "u1"})
	c, ok := ClaimsFrom(ctx)
	if !ok || c.UserID != "u1" {
		t.Fatalf("ClaimsFrom=%+v,%v", c, ok)
	}
	if _, ok := ClaimsFrom(context.Background()); ok {
		t.Fatalf("empty context returned claims")
	}
}
