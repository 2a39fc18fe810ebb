package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/database"
	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/scheduler"
	"cropcast-backend/internal/sequence"
	"cropcast-backend/internal/training"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Training.MinSamples = 2
	cfg.Training.MaxEpochs = 3
	cfg.Training.Patience = 2
	cfg.Training.BatchSize = 4
	cfg.Training.Architecture = forecast.Architecture{
		InputSize: models.NumChannels,
		SeqLen:    sequence.SequenceLength,
		Horizon:   sequence.ForecastHorizon,
		LSTM1:     4,
		LSTM2:     3,
		Dense:     4,
	}
	// tests that exercise the scheduler lower this explicitly
	cfg.Scheduler = scheduler.Config{Threshold: 1000}
	return cfg
}

func reading(ts time.Time, temp float64, count int) models.SensorAggregate {
	channels := make(map[models.Channel]models.ChannelStats, models.NumChannels)
	for _, ch := range models.AllChannels {
		channels[ch] = models.ChannelStats{Average: models.Float(temp), Count: count}
	}
	return models.SensorAggregate{Timestamp: ts, Channels: channels}
}

func seedRecent(s *database.MemoryStore, n int) {
	for i := 0; i < n; i++ {
		s.SeedAggregates(reading(now.Add(-time.Duration(i)*time.Hour), 20+float64(i), 2))
	}
}

func seedEpisodes(s *database.MemoryStore, n int) {
	start := now.Add(-365 * 24 * time.Hour)
	for e := 0; e < n; e++ {
		epStart := start.Add(time.Duration(e) * 20 * 24 * time.Hour)
		for i := 0; i < 9; i++ {
			s.SeedAggregates(reading(epStart.Add(time.Duration(i)*time.Hour), 15+float64(i+e), 1))
		}
		summary := reading(epStart.Add(9*time.Hour), 25, 1)
		crop := "rice"
		if e%2 == 1 {
			crop = "okra"
		}
		s.SeedEpisodes(models.Episode{
			ID:           fmt.Sprintf("ep-%d", e),
			CropID:       crop,
			Status:       models.EpisodeHarvested,
			StartDate:    epStart,
			EndDate:      epStart.Add(8 * time.Hour),
			FinalSummary: &summary,
			SuccessRate:  models.Float(70),
		})
	}
}

func seedCrops(s *database.MemoryStore) {
	optimal := func(temp float64) map[models.Channel]float64 {
		return map[models.Channel]float64{
			models.Temperature: temp,
			models.Moisture:    30,
			models.PH:          6.5,
		}
	}
	s.SeedCrops(
		models.CropProfile{ID: "rice", Name: "Rice", IsRegistered: true, Optimal: optimal(23)},
		models.CropProfile{ID: "okra", Name: "Okra", Optimal: optimal(30)},
		models.CropProfile{ID: "kale", Name: "Kale", IsRegistered: true, Optimal: optimal(12)},
	)
}

func newEngine(t *testing.T, s Store, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	e := New(s, cfg, nil, opts...)
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(e.Close)
	return e
}

func TestPredictRequiresInitialize(t *testing.T) {
	e := New(database.NewMemoryStore(), testConfig(), nil)
	_, err := e.Predict(context.Background())
	assert.ErrorIs(t, err, models.ErrBackendNotReady)
	_, err = e.TrainModel(context.Background())
	assert.ErrorIs(t, err, models.ErrBackendNotReady)
}

func TestPredictSequenceLengthBoundary(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedRecent(s, sequence.SequenceLength-1)
	e := newEngine(t, s, testConfig())

	_, err := e.Predict(context.Background())
	require.ErrorIs(t, err, models.ErrInsufficientData)
	assert.Equal(t, 0, s.PredictionCount())

	s.SeedAggregates(reading(now.Add(-time.Duration(sequence.SequenceLength-1)*time.Hour), 30, 2))
	record, err := e.Predict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.PredictionCount())
	assert.True(t, record.ModelInfo.Degraded, "untrained model falls back to historical average")
	assert.False(t, record.ModelInfo.Trained)
}

func TestPredictRecordContents(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedRecent(s, 10)
	e := newEngine(t, s, testConfig())

	record, err := e.Predict(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, now, record.Timestamp)
	assert.Len(t, record.ForecastSnapshot, sequence.ForecastHorizon)
	assert.Len(t, record.Top5Overall, 3)
	assert.Len(t, record.Top5Registered, 2)
	assert.Len(t, record.Top5Unregistered, 1)
	require.NotNil(t, record.TopOverall)
	assert.Equal(t, record.Top5Overall[0].CropID, record.TopOverall.CropID)
	assert.InDelta(t, 100, record.Quality.DataCompleteness, 1e-9)
	assert.NotEmpty(t, record.Quality.Bucket)

	// the latest 7 readings are 20..26 with equal counts
	assert.InDelta(t, 23, record.Representative[models.Temperature], 1e-9)
	assert.Equal(t, "rice", record.TopOverall.CropID)

	crops, err := s.ReadCropProfiles(context.Background())
	require.NoError(t, err)
	for _, c := range crops {
		require.NotNil(t, c.LastScore, c.ID)
	}
	stored, ok := s.Prediction(record.ID)
	require.True(t, ok)
	assert.Equal(t, record.TopOverall.CropID, stored.TopOverall.CropID)
}

func TestPredictCommitFailureWritesNothing(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedRecent(s, 8)
	s.SetFailure(database.OpCommitPrediction, errors.New("write timeout"))
	e := newEngine(t, s, testConfig())

	_, err := e.Predict(context.Background())
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.Equal(t, 0, s.PredictionCount())
	crops, _ := s.ReadCropProfiles(context.Background())
	for _, c := range crops {
		assert.Nil(t, c.LastScore)
	}
}

func TestTrainModelInsufficientDataHasNoSideEffects(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedEpisodes(s, 1)
	e := newEngine(t, s, testConfig())

	_, err := e.TrainModel(context.Background())
	require.ErrorIs(t, err, models.ErrInsufficientData)

	trials, err := e.GetTrainingTrials(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trials)
	ep, _ := s.Episode("ep-0")
	assert.False(t, ep.TrainedForModel)
	assert.False(t, e.ModelInfo().Trained)
	assert.False(t, e.Training())
}

func TestTrainModelSwapsPersistsAndRecords(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedEpisodes(s, 4)
	seedRecent(s, 8)
	artifacts := forecast.NewFileStore(filepath.Join(t.TempDir(), "model.json"))
	notifier := &recordingNotifier{}
	e := newEngine(t, s, testConfig(), WithArtifactStore(artifacts), WithNotifier(notifier))

	result, err := e.TrainModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Samples)
	assert.True(t, result.Trial.IsBest)
	assert.True(t, e.ModelInfo().Trained)

	ep, _ := s.Episode("ep-2")
	assert.True(t, ep.TrainedForModel)

	best, err := e.GetBestTrial(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, result.Trial.ID, best.ID)

	record, err := e.Predict(context.Background())
	require.NoError(t, err)
	assert.False(t, record.ModelInfo.Degraded)
	assert.True(t, record.ModelInfo.Trained)

	notifier.mu.Lock()
	assert.Len(t, notifier.trials, 1)
	assert.Len(t, notifier.predictions, 1)
	assert.NotEmpty(t, notifier.progress)
	notifier.mu.Unlock()

	// a new engine picks the saved model up
	reloaded := newEngine(t, s, testConfig(), WithArtifactStore(artifacts))
	assert.True(t, reloaded.ModelInfo().Trained)
	assert.Equal(t, e.ModelInfo().Version, reloaded.ModelInfo().Version)
}

func TestTrainModelTrialCommitFailureKeepsPreviousModel(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedEpisodes(s, 4)
	seedRecent(s, 8)
	dir := t.TempDir()
	artifacts := forecast.NewFileStore(filepath.Join(dir, "model.json"))
	e := newEngine(t, s, testConfig(), WithArtifactStore(artifacts))

	s.SetFailure(database.OpCommitTrials, errors.New("write timeout"))
	_, err := e.TrainModel(context.Background())
	require.Error(t, err)
	var perr *models.PersistenceError
	assert.True(t, errors.As(err, &perr))

	assert.False(t, e.ModelInfo().Trained)
	for i := 0; i < 4; i++ {
		ep, _ := s.Episode(fmt.Sprintf("ep-%d", i))
		assert.False(t, ep.TrainedForModel)
	}
	trials, err := e.GetTrainingTrials(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, trials)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no artifact is left behind")

	// a restarted engine still starts untrained
	reloaded := newEngine(t, s, testConfig(), WithArtifactStore(artifacts))
	assert.False(t, reloaded.ModelInfo().Trained)

	s.SetFailure(database.OpCommitTrials, nil)
	result, err := e.TrainModel(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Trial.IsBest)
	assert.True(t, e.ModelInfo().Trained)
}

func TestTrainModelMarkFailureStillServesRecordedTrial(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedEpisodes(s, 4)
	seedRecent(s, 8)
	e := newEngine(t, s, testConfig())

	s.SetFailure(database.OpMarkEpisodes, errors.New("write timeout"))
	result, err := e.TrainModel(context.Background())
	require.NoError(t, err)
	assert.True(t, e.ModelInfo().Trained)

	best, err := e.GetBestTrial(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, result.Trial.ID, best.ID)
}

func TestInitializeRecoversFromCorruptArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	e := newEngine(t, database.NewMemoryStore(), testConfig(), WithArtifactStore(forecast.NewFileStore(path)))
	assert.False(t, e.ModelInfo().Trained)
	assert.NoError(t, e.Ready())
}

func TestExactlyOneBestAfterManyRuns(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedEpisodes(s, 4)
	e := newEngine(t, s, testConfig())

	for i := 0; i < 3; i++ {
		_, err := e.TrainModel(context.Background())
		require.NoError(t, err)
	}

	trials, err := e.GetTrainingTrials(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trials, 3)
	bestCount := 0
	top := trials[0].TrialScore
	var best models.TrainingTrial
	for _, tr := range trials {
		if tr.IsBest {
			bestCount++
			best = tr
		}
		if tr.TrialScore > top {
			top = tr.TrialScore
		}
	}
	assert.Equal(t, 1, bestCount)
	assert.Equal(t, top, best.TrialScore)
}

// gateStore blocks episode reads until released, holding a training run open
type gateStore struct {
	*database.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateStore) ReadHarvestedEpisodes(ctx context.Context, limit int) ([]models.Episode, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MemoryStore.ReadHarvestedEpisodes(ctx, limit)
}

func TestConcurrentTrainingFailsFast(t *testing.T) {
	mem := database.NewMemoryStore()
	seedCrops(mem)
	seedEpisodes(mem, 4)
	seedRecent(mem, 8)
	g := &gateStore{MemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}

	cfg := testConfig()
	cfg.BlockPredictWhileTraining = true
	e := newEngine(t, g, cfg)

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.TrainModel(context.Background())
		firstErr <- err
	}()
	<-g.entered

	_, err := e.TrainModel(context.Background())
	assert.ErrorIs(t, err, models.ErrConcurrentTraining)
	assert.ErrorIs(t, e.Ready(), models.ErrConcurrentTraining)
	_, err = e.Predict(context.Background())
	assert.ErrorIs(t, err, models.ErrConcurrentTraining)

	close(g.release)
	require.NoError(t, <-firstErr)

	trials, err := e.GetTrainingTrials(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
	assert.NoError(t, e.Ready())
}

func TestPredictDuringTrainingServesPreviousModel(t *testing.T) {
	mem := database.NewMemoryStore()
	seedCrops(mem)
	seedEpisodes(mem, 4)
	seedRecent(mem, 8)
	g := &gateStore{MemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, g, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := e.TrainModel(context.Background())
		done <- err
	}()
	<-g.entered

	record, err := e.Predict(context.Background())
	require.NoError(t, err)
	assert.True(t, record.ModelInfo.Degraded)

	close(g.release)
	require.NoError(t, <-done)
}

func TestRecordOutcomeTriggersRetrain(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedEpisodes(s, 4)
	seedRecent(s, 8)
	cfg := testConfig()
	cfg.Scheduler = scheduler.DefaultConfig()
	e := newEngine(t, s, cfg)

	record, err := e.Predict(context.Background())
	require.NoError(t, err)

	id, err := e.RecordOutcome(context.Background(), "rice", record.ID, 82)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stored, ok := s.Prediction(record.ID)
	require.True(t, ok)
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, id, stored.Outcome.ID)

	require.Eventually(t, func() bool {
		trials, err := e.GetTrainingTrials(context.Background(), 0)
		return err == nil && len(trials) == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRecordOutcomeRetrainFailureIsNotSurfaced(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	cfg := testConfig()
	cfg.Scheduler = scheduler.DefaultConfig()
	e := newEngine(t, s, cfg)

	// no episodes, so the background run fails with insufficient data
	_, err := e.RecordOutcome(context.Background(), "rice", "", 50)
	assert.NoError(t, err)
}

func TestRecordOutcomeCommitFailureWritesNothing(t *testing.T) {
	s := database.NewMemoryStore()
	seedCrops(s)
	seedRecent(s, 8)
	cfg := testConfig()
	cfg.Scheduler = scheduler.Config{Threshold: 1}
	e := newEngine(t, s, cfg)

	record, err := e.Predict(context.Background())
	require.NoError(t, err)

	s.SetFailure(database.OpCommitOutcome, errors.New("write timeout"))
	_, err = e.RecordOutcome(context.Background(), "rice", record.ID, 70)
	require.Error(t, err)

	stored, ok := s.Prediction(record.ID)
	require.True(t, ok)
	assert.Nil(t, stored.Outcome)
	assert.Empty(t, s.Outcomes())
	assert.False(t, e.Training())
}

func TestRecordOutcomeValidation(t *testing.T) {
	e := newEngine(t, database.NewMemoryStore(), testConfig())
	_, err := e.RecordOutcome(context.Background(), "", "p", 10)
	assert.ErrorIs(t, err, models.ErrInvalidOutcome)
}

func TestRepresentative(t *testing.T) {
	row := func(v float64) []float64 {
		r := make([]float64, models.NumChannels)
		for i := range r {
			r[i] = v
		}
		return r
	}
	vector := models.ForecastVector{row(1), row(3)}

	weighted := Representative(vector, []int{1, 3}, nil)
	assert.InDelta(t, 2.5, weighted[models.PH], 1e-12)

	equal := Representative(vector, []int{0, 0}, nil)
	assert.InDelta(t, 2.0, equal[models.PH], 1e-12)

	masked := Representative(vector, []int{1, 1}, map[models.Channel]bool{models.Light: true})
	assert.Len(t, masked, 1)
	assert.Contains(t, masked, models.Light)

	assert.Empty(t, Representative(nil, nil, nil))
}

type recordingNotifier struct {
	mu          sync.Mutex
	predictions []models.PredictionRecord
	trials      []models.TrainingTrial
	progress    []training.EpochProgress
}

func (n *recordingNotifier) PredictionRecorded(ctx context.Context, r models.PredictionRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.predictions = append(n.predictions, r)
	return nil
}

func (n *recordingNotifier) TrialRecorded(ctx context.Context, t models.TrainingTrial) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trials = append(n.trials, t)
	return errors.New("broker down")
}

func (n *recordingNotifier) TrainingProgress(ctx context.Context, p training.EpochProgress) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
	return nil
}
