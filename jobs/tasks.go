package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermWarmup pre-builds permission caches so the first authorized
	// request after a login or an invalidation does not pay for compilation.
	TaskPermWarmup = "perm:warmup"
	// TaskMaintenanceCleanup prunes expired sessions and idempotency keys.
	TaskMaintenanceCleanup = "maintenance:cleanup"
)

// PermWarmupPayload selects what to warm. With a UserID the job warms that
// one user; without, it warms every user with a live session.
type PermWarmupPayload struct {
	UserID string `json:"userId,omitempty"`
}

// NewPermWarmupTask constructs an Asynq task.
func NewPermWarmupTask(payload PermWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermWarmup, data), nil
}

// NewMaintenanceCleanupTask constructs an Asynq task.
func NewMaintenanceCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskMaintenanceCleanup, nil)
}
