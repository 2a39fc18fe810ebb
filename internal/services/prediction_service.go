package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// Predictor runs one prediction pass
type Predictor interface {
	Predict(ctx context.Context) (*models.PredictionRecord, error)
}

// PredictionService polls the predictor on a fixed interval
type PredictionService struct {
	predictor Predictor
	interval  time.Duration
	onStart   bool
	log       *zap.SugaredLogger

	callback func(*models.PredictionRecord)
}

// PredictionServiceConfig holds configuration for the prediction service
type PredictionServiceConfig struct {
	Interval time.Duration
	// RunOnStart triggers one prediction before the first tick
	RunOnStart bool
}

// DefaultPredictionServiceConfig returns default configuration
func DefaultPredictionServiceConfig() PredictionServiceConfig {
	return PredictionServiceConfig{
		Interval:   time.Hour,
		RunOnStart: true,
	}
}

// NewPredictionService creates a new polling prediction service
func NewPredictionService(predictor Predictor, config PredictionServiceConfig, log *zap.SugaredLogger) *PredictionService {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &PredictionService{
		predictor: predictor,
		interval:  config.Interval,
		onStart:   config.RunOnStart,
		log:       logging.OrNop(log),
	}
}

// SetPredictionCallback registers a function invoked with every committed record
func (ps *PredictionService) SetPredictionCallback(fn func(*models.PredictionRecord)) {
	ps.callback = fn
}

// Start runs the polling loop until the context is cancelled
func (ps *PredictionService) Start(ctx context.Context) {
	ps.log.Infof("PredictionService: Polling every %v", ps.interval)

	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	if ps.onStart {
		ps.RunOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			ps.log.Info("PredictionService: Shutting down...")
			return
		case <-ticker.C:
			ps.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single prediction and logs the outcome
func (ps *PredictionService) RunOnce(ctx context.Context) {
	record, err := ps.predictor.Predict(ctx)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrInsufficientData):
		ps.log.Infof("PredictionService: Skipping, %v", err)
		return
	case errors.Is(err, context.Canceled):
		return
	default:
		ps.log.Errorf("PredictionService: Prediction failed: %v", err)
		return
	}

	if record.TopOverall != nil {
		ps.log.Infof("PredictionService: Prediction %s top crop %s (%d), quality %s",
			record.ID, record.TopOverall.CropID, record.TopOverall.Score, record.Quality.Bucket)
	} else {
		ps.log.Infof("PredictionService: Prediction %s has no scored crops", record.ID)
	}
	if ps.callback != nil {
		ps.callback(record)
	}
}
