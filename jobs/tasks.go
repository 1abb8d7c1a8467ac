package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzSweepExpired is the task type for purging expired user overrides.
	TaskAuthzSweepExpired = "authz:sweep-expired"
	// TaskAuthzWarmup is the task type for pre-warming feature set caches.
	TaskAuthzWarmup = "authz:warmup"
)

// OverrideSweepPayload configures an expired-override sweep run. A zero
// RetentionHours falls back to the worker's configured retention.
type OverrideSweepPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// FeatureSetWarmupPayload configures a cache warmup run. Zero values fall
// back to the worker's configured window and batch size.
type FeatureSetWarmupPayload struct {
	WindowHours int `json:"window_hours"`
	BatchSize   int `json:"batch_size"`
}

// NewOverrideSweepTask constructs an Asynq task for the retention sweep.
func NewOverrideSweepTask(payload OverrideSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzSweepExpired, data), nil
}

// NewFeatureSetWarmupTask constructs an Asynq task for cache warmup.
func NewFeatureSetWarmupTask(payload FeatureSetWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzWarmup, data), nil
}
