package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/identity"
)

// IdentityPort exposes the account lookups auth needs. Satisfied by the
// identity repository.
type IdentityPort interface {
	FindUserByName(ctx context.Context, userName string) (identity.User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (identity.User, error)
	UpdatePassword(ctx context.Context, userID uuid.UUID, hash string) error
}

// SessionRepository records login sessions in postgres for auditing.
type SessionRepository interface {
	CreateSession(ctx context.Context, id string, userID uuid.UUID, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
}

// CacheInvalidator drops a user's cached permissions so the next request
// compiles them fresh.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// Warmer pre-builds a user's permission caches off the request path.
// Satisfied by the jobs client.
type Warmer interface {
	EnqueuePermWarmup(ctx context.Context, userID uuid.UUID) error
}
