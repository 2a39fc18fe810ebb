package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/ledger"
	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/scheduler"
	"cropcast-backend/internal/sequence"
	"cropcast-backend/internal/training"
)

// Store is everything the engine needs from persistence. Commit methods must
// apply all of their writes or none.
type Store interface {
	training.Source
	ledger.Store

	CommitPrediction(ctx context.Context, record models.PredictionRecord, lastScores map[string]int) error
	MarkEpisodesTrained(ctx context.Context, ids []string) error
	CommitOutcome(ctx context.Context, outcome models.Outcome) error
	OnOutcomeRecorded(fn func(models.Outcome))
}

// Notifier receives engine events. Errors are logged by the engine and never
// fail the operation that produced the event.
type Notifier interface {
	PredictionRecorded(ctx context.Context, record models.PredictionRecord) error
	TrialRecorded(ctx context.Context, trial models.TrainingTrial) error
	TrainingProgress(ctx context.Context, progress training.EpochProgress) error
}

// Config holds engine-level settings
type Config struct {
	// AggregatePeriod is the width of one aggregate in the time-series store
	AggregatePeriod time.Duration
	// LookbackPeriods bounds the window read for a prediction
	LookbackPeriods int
	// BlockPredictWhileTraining rejects predictions during a run instead of
	// serving the previous model
	BlockPredictWhileTraining bool

	Training  training.Config
	Scheduler scheduler.Config
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		AggregatePeriod: time.Hour,
		LookbackPeriods: 48,
		Training:        training.DefaultConfig(),
		Scheduler:       scheduler.DefaultConfig(),
	}
}

// Option customises an Engine
type Option func(*Engine)

// WithArtifactStore persists trained models and restores them on Initialize
func WithArtifactStore(a forecast.ArtifactStore) Option {
	return func(e *Engine) { e.artifacts = a }
}

// WithNotifier publishes prediction, trial and progress events
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the forecasting model, the training flag and the scheduler.
// All methods are safe for concurrent use.
type Engine struct {
	store     Store
	artifacts forecast.ArtifactStore
	notifier  Notifier
	config    Config
	log       *zap.SugaredLogger
	now       func() time.Time

	pre       *sequence.Preprocessor
	trainer   *training.Trainer
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler

	mu    sync.RWMutex
	model *forecast.Model

	initOnce sync.Once
	ready    atomic.Bool
	training atomic.Bool
}

// New creates an engine. Initialize must be called before Predict or TrainModel.
func New(store Store, config Config, log *zap.SugaredLogger, opts ...Option) *Engine {
	log = logging.OrNop(log)
	e := &Engine{
		store:  store,
		config: config,
		log:    log,
		now:    time.Now,
		pre:    sequence.NewPreprocessor(log.Named("preprocessor")),
		ledger: ledger.New(store, log.Named("ledger")),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.trainer = training.NewTrainer(store, config.Training, log.Named("trainer"))
	e.trainer.SetProgressCallback(e.publishProgress)
	e.scheduler = scheduler.New(config.Scheduler, e, log.Named("scheduler"))
	return e
}

// Initialize loads the persisted model, falling back to a fresh untrained one,
// subscribes the retrain scheduler and marks the backend ready.
func (e *Engine) Initialize(ctx context.Context) error {
	e.initOnce.Do(func() {
		arch := e.config.Training.Architecture
		hp := e.config.Training.Hyperparams

		var model *forecast.Model
		if e.artifacts != nil {
			loaded, err := e.artifacts.Load(ctx, arch, hp)
			if err != nil {
				e.log.Warnf("Engine: %v, starting with an untrained model", err)
			} else {
				model = loaded
				meta := loaded.Metadata()
				e.log.Infof("Engine: loaded model %s trained at %s", meta.Version, meta.TrainedAt.Format(time.RFC3339))
			}
		}
		if model == nil {
			model = forecast.New(arch, hp, e.config.Training.Seed)
		}

		e.mu.Lock()
		e.model = model
		e.mu.Unlock()

		e.store.OnOutcomeRecorded(e.scheduler.Notify)
		e.ready.Store(true)
		e.log.Infof("Engine: ready (model trained=%v)", model.Trained())
	})
	return nil
}

// Ready reports whether a retrain may start now
func (e *Engine) Ready() error {
	if !e.ready.Load() {
		return models.ErrBackendNotReady
	}
	if e.training.Load() {
		return models.ErrConcurrentTraining
	}
	return nil
}

// Training reports whether a training run is active
func (e *Engine) Training() bool {
	return e.training.Load()
}

// ModelInfo describes the model currently serving predictions
func (e *Engine) ModelInfo() models.ModelInfo {
	e.mu.RLock()
	m := e.model
	e.mu.RUnlock()
	if m == nil {
		return models.ModelInfo{}
	}
	return modelInfo(m, false)
}

func modelInfo(m *forecast.Model, degraded bool) models.ModelInfo {
	meta := m.Metadata()
	return models.ModelInfo{
		Version:      meta.Version,
		TrainedAt:    meta.TrainedAt,
		Architecture: meta.Architecture,
		Trained:      meta.Trained,
		Degraded:     degraded,
	}
}

// RecordOutcome stores a crop's actual performance against a prediction and
// returns the outcome ID. The retrain it may trigger runs in the background;
// its failures are never reported here.
func (e *Engine) RecordOutcome(ctx context.Context, cropID, predictionID string, score float64) (string, error) {
	if cropID == "" {
		return "", fmt.Errorf("%w: crop id is required", models.ErrInvalidOutcome)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return "", fmt.Errorf("%w: score must be a finite number", models.ErrInvalidOutcome)
	}

	outcome := models.Outcome{
		ID:           uuid.NewString(),
		CropID:       cropID,
		PredictionID: predictionID,
		Score:        score,
		RecordedAt:   e.now().UTC(),
	}
	if err := e.store.CommitOutcome(ctx, outcome); err != nil {
		return "", fmt.Errorf("failed to record outcome: %w", err)
	}

	metrics.OutcomesRecorded.Inc()
	e.log.Infow("Engine: outcome recorded", "outcome_id", outcome.ID, "crop_id", cropID, "prediction_id", predictionID, "score", score)
	return outcome.ID, nil
}

// GetTrainingTrials returns the most recent trials, newest first
func (e *Engine) GetTrainingTrials(ctx context.Context, limit int) ([]models.TrainingTrial, error) {
	return e.ledger.Recent(ctx, limit)
}

// GetBestTrial returns the trial flagged as best, or nil before any run
func (e *Engine) GetBestTrial(ctx context.Context) (*models.TrainingTrial, error) {
	return e.ledger.Best(ctx)
}

// Close stops the scheduler and waits for background retrains to exit
func (e *Engine) Close() {
	e.scheduler.Stop()
	e.ready.Store(false)
}

func (e *Engine) publishProgress(p training.EpochProgress) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.TrainingProgress(context.Background(), p); err != nil {
		e.log.Debugf("Engine: failed to publish training progress: %v", err)
	}
}

func (e *Engine) notifyError(event string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warnf("Engine: failed to publish %s: %v", event, err)
	}
}
