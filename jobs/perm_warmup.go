package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/permissions"
	"github.com/tessera-admin/tessera/internal/shared"
)

// PermWarmupJob pre-populates permission caches for signed-in users.
type PermWarmupJob struct {
	Permissions *permissions.Service
	Users       interface {
		FindUserByID(ctx context.Context, id uuid.UUID) (identity.User, error)
	}
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// Handle processes permission warmup tasks.
func (j *PermWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Permissions == nil || j.Users == nil {
		return errors.New("perm warmup: handler not configured")
	}
	var payload PermWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	start := time.Now()

	var ids []uuid.UUID
	if payload.UserID != "" {
		id, err := uuid.Parse(payload.UserID)
		if err != nil {
			logger.Warn("warmup payload with malformed user id", slog.String("user_id", payload.UserID))
			return asynq.SkipRetry
		}
		ids = []uuid.UUID{id}
	} else {
		var err error
		if ids, err = j.activeUsers(ctx); err != nil {
			logger.Error("load active users", slog.Any("error", err))
			return err
		}
	}

	warmed := 0
	for _, id := range ids {
		if err := j.warmUser(ctx, id); err != nil {
			logger.Error("warm user", slog.String("user_id", id.String()), slog.Any("error", err))
			return err
		}
		warmed++
	}
	logger.Info("completed permission warmup", slog.Int("users", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *PermWarmupJob) warmUser(ctx context.Context, userID uuid.UUID) error {
	userCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	user, err := j.Users.FindUserByID(userCtx, userID)
	if err != nil {
		// A deleted user still referenced by a live session is not a job
		// failure.
		if errors.Is(err, shared.ErrNotFound) {
			j.logger().Warn("warmup for unknown user", slog.String("user_id", userID.String()))
			return nil
		}
		return err
	}
	principal := &shared.Principal{
		UserID:   user.ID,
		UserName: user.UserName,
		GroupID:  user.GroupID,
		Roles:    user.Roles,
	}
	_, err = j.Permissions.GetUserFilters(userCtx, principal)
	return err
}

// activeUsers lists the distinct users with an unexpired session.
func (j *PermWarmupJob) activeUsers(ctx context.Context) ([]uuid.UUID, error) {
	if j.Pool == nil {
		return nil, errors.New("perm warmup: pool not configured")
	}
	rows, err := j.Pool.Query(ctx,
		`SELECT DISTINCT user_id FROM sessions WHERE expires_at > NOW() ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *PermWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPermWarmup))
}
