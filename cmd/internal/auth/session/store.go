package session

import (
	"context"
	"time"
)

// Row is the part of a session row needed to honor revocation.
type Row struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Store reads session state owned by the account service.
type Store interface {
	// GetByID loads a session row by ID. Missing rows yield ErrSessionNotFound.
	GetByID(ctx context.Context, sessionID string) (Row, error)
}
