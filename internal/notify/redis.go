package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/training"
)

// redisCommander is the subset of the go-redis client used here
type redisCommander interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisConfig holds Redis connection and channel settings
type RedisConfig struct {
	URL       string
	Channel   string
	LatestKey string
	LatestTTL time.Duration
}

// DefaultRedisConfig returns default configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:       "redis://localhost:6379/0",
		Channel:   "cropcast:events",
		LatestKey: "cropcast:latest_prediction",
		LatestTTL: 24 * time.Hour,
	}
}

// RedisPublisher fans engine events out over Redis pub/sub and caches the
// latest prediction record under a key
type RedisPublisher struct {
	client redisCommander
	config RedisConfig
	log    *zap.SugaredLogger
	now    func() time.Time
}

// Connect parses the URL, pings the server and returns the client with a publisher
func Connect(ctx context.Context, config RedisConfig, log *zap.SugaredLogger) (*redis.Client, *RedisPublisher, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log = logging.OrNop(log)
	log.Infof("Redis: connected to %s, publishing on %s", opts.Addr, config.Channel)
	return client, NewRedisPublisher(client, config, log), nil
}

// NewRedisPublisher wraps an existing client
func NewRedisPublisher(client redisCommander, config RedisConfig, log *zap.SugaredLogger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		config: config,
		log:    logging.OrNop(log),
		now:    time.Now,
	}
}

// PredictionRecorded publishes the record and refreshes the latest-prediction key
func (r *RedisPublisher) PredictionRecorded(ctx context.Context, record models.PredictionRecord) error {
	if err := r.publish(ctx, models.EventPrediction, record); err != nil {
		return err
	}
	if r.config.LatestKey == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction %s: %w", record.ID, err)
	}
	if err := r.client.Set(ctx, r.config.LatestKey, data, r.config.LatestTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache latest prediction: %w", err)
	}
	return nil
}

// TrialRecorded publishes a newly recorded trial
func (r *RedisPublisher) TrialRecorded(ctx context.Context, trial models.TrainingTrial) error {
	return r.publish(ctx, models.EventTrial, trial)
}

// TrainingProgress publishes a per-epoch update
func (r *RedisPublisher) TrainingProgress(ctx context.Context, progress training.EpochProgress) error {
	return r.publish(ctx, models.EventTrainingProgress, progress)
}

func (r *RedisPublisher) publish(ctx context.Context, kind string, data any) error {
	payload, err := json.Marshal(models.Event{Kind: kind, Timestamp: r.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}
	if err := r.client.Publish(ctx, r.config.Channel, payload).Err(); err != nil {
		metrics.EventsPublished.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("failed to publish %s event: %w", kind, err)
	}
	metrics.EventsPublished.WithLabelValues("redis", "ok").Inc()
	return nil
}
