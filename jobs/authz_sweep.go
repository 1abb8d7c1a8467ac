package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/agrinova/agrinova/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverrideStore purges expired user override rows.
type OverrideStore interface {
	DeleteExpiredUserFeatures(ctx context.Context, cutoff time.Time) (int64, error)
}

// OverrideSweepJob deletes user overrides whose expiry passed the retention
// window. Expired rows stay queryable until the sweep so recent revocations
// remain auditable.
type OverrideSweepJob struct {
	Store     OverrideStore
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Retention time.Duration
	clock     func() time.Time
}

// NewOverrideSweepJob wires dependencies for the sweep handler.
func NewOverrideSweepJob(store OverrideStore, logger *slog.Logger, metrics *jobmetrics.Metrics, retention time.Duration) *OverrideSweepJob {
	return &OverrideSweepJob{
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
		Retention: retention,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes expired-override sweep tasks.
func (j *OverrideSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("override sweep: handler not configured")
	}
	var payload OverrideSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}

	tracker := j.metrics().Track(TaskAuthzSweepExpired)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := j.now().Add(-retention)
	logger := j.logger().With(slog.Time("cutoff", cutoff))
	logger.Info("starting override sweep")

	swept, err := j.Store.DeleteExpiredUserFeatures(ctx, cutoff)
	if err != nil {
		resultErr = err
		logger.Error("sweep expired overrides", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddSweptOverrides(swept)

	logger.Info("completed override sweep", slog.Int64("swept", swept))
	return resultErr
}

func (j *OverrideSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuthzSweepExpired))
	}
	return slog.Default().With(slog.String("job", TaskAuthzSweepExpired))
}

func (j *OverrideSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverrideSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
