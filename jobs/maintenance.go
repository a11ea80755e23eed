package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-admin/tessera/internal/shared"
)

// MaintenanceJob prunes expired sessions and stale idempotency keys.
type MaintenanceJob struct {
	Pool        *pgxpool.Pool
	Idempotency *shared.IdempotencyStore
	Retention   time.Duration
	Logger      *slog.Logger
}

// Handle processes maintenance cleanup tasks.
func (j *MaintenanceJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("maintenance: handler not configured")
	}
	logger := j.logger()

	tag, err := j.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		logger.Error("prune sessions", slog.Any("error", err))
		return err
	}
	retention := j.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := j.Idempotency.Cleanup(ctx, retention); err != nil {
		logger.Error("prune idempotency keys", slog.Any("error", err))
		return err
	}
	logger.Info("completed maintenance cleanup", slog.Int64("sessions_pruned", tag.RowsAffected()))
	return nil
}

func (j *MaintenanceJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMaintenanceCleanup))
	}
	return slog.Default().With(slog.String("job", TaskMaintenanceCleanup))
}
