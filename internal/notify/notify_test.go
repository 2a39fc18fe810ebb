package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/models"
	"cropcast-backend/internal/training"
)

type fakeRedis struct {
	channels   []string
	messages   [][]byte
	keys       map[string][]byte
	publishErr error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.keys == nil {
		f.keys = make(map[string][]byte)
	}
	f.keys[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func TestRedisPublisherPrediction(t *testing.T) {
	client := &fakeRedis{}
	pub := NewRedisPublisher(client, DefaultRedisConfig(), nil)

	rec := models.PredictionRecord{ID: "p-1", TopOverall: &models.CropScore{CropID: "rice", Score: 91}}
	require.NoError(t, pub.PredictionRecorded(context.Background(), rec))

	require.Len(t, client.messages, 1)
	assert.Equal(t, "cropcast:events", client.channels[0])

	var event struct {
		Kind string                  `json:"kind"`
		Data models.PredictionRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(client.messages[0], &event))
	assert.Equal(t, models.EventPrediction, event.Kind)
	assert.Equal(t, "p-1", event.Data.ID)

	var cached models.PredictionRecord
	require.NoError(t, json.Unmarshal(client.keys["cropcast:latest_prediction"], &cached))
	assert.Equal(t, "rice", cached.TopOverall.CropID)
}

func TestRedisPublisherErrorSkipsCache(t *testing.T) {
	client := &fakeRedis{publishErr: errors.New("connection refused")}
	pub := NewRedisPublisher(client, DefaultRedisConfig(), nil)

	err := pub.PredictionRecorded(context.Background(), models.PredictionRecord{ID: "p-2"})
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, client.keys)
}

type countingSink struct {
	predictions, trials, progress int
	err                           error
}

func (c *countingSink) PredictionRecorded(context.Context, models.PredictionRecord) error {
	c.predictions++
	return c.err
}

func (c *countingSink) TrialRecorded(context.Context, models.TrainingTrial) error {
	c.trials++
	return c.err
}

func (c *countingSink) TrainingProgress(context.Context, training.EpochProgress) error {
	c.progress++
	return c.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingSink{}, &countingSink{err: boom}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	ctx := context.Background()
	assert.ErrorIs(t, m.PredictionRecorded(ctx, models.PredictionRecord{}), boom)
	assert.ErrorIs(t, m.TrialRecorded(ctx, models.TrainingTrial{}), boom)
	assert.ErrorIs(t, m.TrainingProgress(ctx, training.EpochProgress{}), boom)

	assert.Equal(t, 1, a.predictions)
	assert.Equal(t, 1, a.trials)
	assert.Equal(t, 1, b.progress)

	assert.NoError(t, NewMulti(a).TrialRecorded(ctx, models.TrainingTrial{}))
}
