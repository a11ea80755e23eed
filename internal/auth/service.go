package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	users    IdentityPort
	sessions SessionRepository
	cache    CacheInvalidator
	warmer   Warmer
	logger   *slog.Logger
}

// NewService constructs a new Service. cache and warmer may be nil.
func NewService(users IdentityPort, sessions SessionRepository, cache CacheInvalidator, warmer Warmer, logger *slog.Logger) *Service {
	return &Service{users: users, sessions: sessions, cache: cache, warmer: warmer, logger: logger}
}

// Authenticate validates user name and password credentials.
func (s *Service) Authenticate(ctx context.Context, userName, password string) (identity.User, error) {
	user, err := s.users.FindUserByName(ctx, userName)
	if err != nil {
		return identity.User{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return identity.User{}, shared.ErrInvalidCredentials
	}
	return user, nil
}

// OnLogin refreshes the user's cached permissions: the stale entry is
// dropped immediately and a warmup job rebuilds it off the request path.
func (s *Service) OnLogin(ctx context.Context, userID uuid.UUID) {
	if s.cache != nil {
		if err := s.cache.InvalidateUser(ctx, userID); err != nil {
			s.warn("invalidate permissions on login", err)
		}
	}
	if s.warmer != nil {
		if err := s.warmer.EnqueuePermWarmup(ctx, userID); err != nil {
			s.warn("enqueue permission warmup", err)
		}
	}
}

// ChangePassword verifies the current password and stores a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return shared.ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, userID, string(hash))
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID uuid.UUID, expiresAt time.Time, ip, ua string) error {
	return s.sessions.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.sessions.DeleteSession(ctx, id)
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
