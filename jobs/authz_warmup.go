package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/agrinova/agrinova/internal/authz"
	jobmetrics "github.com/agrinova/agrinova/internal/jobs"
)

// WarmupSource lists users whose feature sets are worth pre-computing.
type WarmupSource interface {
	ListRecentUsers(ctx context.Context, since time.Time, limit int) ([]authz.WarmupTarget, error)
}

// FeatureSetWarmer materializes a user's feature set into the cache.
type FeatureSetWarmer interface {
	Get(ctx context.Context, userID uuid.UUID, roleName string) (*authz.UserFeatureSet, error)
}

// FeatureSetWarmupJob pre-populates the feature set cache for users with
// recent override activity, so their first request after a deploy or cache
// flush does not pay the resolution cost.
type FeatureSetWarmupJob struct {
	Source    WarmupSource
	Cache     FeatureSetWarmer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Window    time.Duration
	BatchSize int
	clock     func() time.Time
}

// NewFeatureSetWarmupJob wires dependencies for the warmup handler.
func NewFeatureSetWarmupJob(source WarmupSource, cache FeatureSetWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics, window time.Duration, batchSize int) *FeatureSetWarmupJob {
	return &FeatureSetWarmupJob{
		Source:    source,
		Cache:     cache,
		Logger:    logger,
		Metrics:   metrics,
		Window:    window,
		BatchSize: batchSize,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes cache warmup tasks.
func (j *FeatureSetWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil || j.Cache == nil {
		return errors.New("feature set warmup: handler not configured")
	}
	var payload FeatureSetWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	window := j.Window
	if payload.WindowHours > 0 {
		window = time.Duration(payload.WindowHours) * time.Hour
	}
	batch := j.BatchSize
	if payload.BatchSize > 0 {
		batch = payload.BatchSize
	}
	if batch <= 0 {
		batch = 500
	}

	tracker := j.metrics().Track(TaskAuthzWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	since := now.Add(-window)
	logger := j.logger().With(slog.Time("since", since), slog.Int("batch_size", batch))
	logger.Info("starting feature set warmup")

	targets, err := j.Source.ListRecentUsers(ctx, since, batch)
	if err != nil {
		resultErr = err
		logger.Error("load warmup targets", slog.Any("error", err))
		return resultErr
	}
	if len(targets) == 0 {
		logger.Info("no users discovered for warmup")
		return resultErr
	}

	warmed := 0
	for _, target := range targets {
		if err := j.warmUser(ctx, target); err != nil {
			resultErr = err
			logger.Error("warm feature set", slog.String("user_id", target.UserID.String()), slog.String("role", target.Role), slog.Any("error", err))
			return resultErr
		}
		warmed++
	}
	j.metrics().AddWarmedUsers(warmed)

	logger.Info("completed feature set warmup", slog.Int("users", warmed), slog.Duration("duration", time.Since(now)))
	return resultErr
}

func (j *FeatureSetWarmupJob) warmUser(ctx context.Context, target authz.WarmupTarget) error {
	// Bound each user so one slow rebuild cannot stall the whole batch.
	userCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := j.Cache.Get(userCtx, target.UserID, target.Role)
	return err
}

func (j *FeatureSetWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuthzWarmup))
	}
	return slog.Default().With(slog.String("job", TaskAuthzWarmup))
}

func (j *FeatureSetWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *FeatureSetWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
