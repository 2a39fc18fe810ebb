package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
)

// TrainModel runs one full training cycle. A second call while a run is
// active fails immediately with ErrConcurrentTraining.
func (e *Engine) TrainModel(ctx context.Context) (*models.TrainingResult, error) {
	if !e.ready.Load() {
		return nil, models.ErrBackendNotReady
	}
	if !e.training.CompareAndSwap(false, true) {
		metrics.TrainingRuns.WithLabelValues(metrics.ResultConcurrent).Inc()
		return nil, models.ErrConcurrentTraining
	}
	defer e.training.Store(false)

	result, err := e.train(ctx)
	switch {
	case err == nil:
		metrics.TrainingRuns.WithLabelValues(metrics.ResultSuccess).Inc()
	case errors.Is(err, models.ErrInsufficientData):
		metrics.TrainingRuns.WithLabelValues(metrics.ResultInsufficient).Inc()
	default:
		metrics.TrainingRuns.WithLabelValues(metrics.ResultFailed).Inc()
	}
	return result, err
}

// Retrain is the scheduler's entry point
func (e *Engine) Retrain(ctx context.Context) error {
	_, err := e.TrainModel(ctx)
	return err
}

func (e *Engine) train(ctx context.Context) (*models.TrainingResult, error) {
	e.log.Infof("Engine: training started")
	run, err := e.trainer.Run(ctx)
	if err != nil {
		return nil, err
	}

	// stage the artifact so a failed trial commit leaves the previous one in place
	var staged forecast.StagedArtifact
	if e.artifacts != nil {
		staged, err = e.artifacts.Stage(ctx, run.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to save model: %w", err)
		}
	}

	trial, err := e.ledger.Record(ctx, models.TrainingTrial{
		ID:        uuid.NewString(),
		TrainedAt: run.Model.Metadata().TrainedAt,
		Metrics:   run.Metrics,
		Samples:   run.Samples,
		Duration:  run.Duration,
	})
	if err != nil {
		if staged != nil {
			staged.Discard()
		}
		return nil, err
	}

	if staged != nil {
		if err := staged.Commit(); err != nil {
			return nil, fmt.Errorf("failed to save model: %w", err)
		}
	}
	e.mu.Lock()
	e.model = run.Model
	e.mu.Unlock()

	// the trained flag is bookkeeping only; the trial and model are already live
	if err := e.store.MarkEpisodesTrained(ctx, run.EpisodeIDs); err != nil {
		e.log.Warnf("Engine: failed to mark episodes trained for trial %s: %v", trial.ID, err)
	}

	metrics.TrainingDuration.Observe(run.Duration.Seconds())
	metrics.ValidationLoss.Set(run.Metrics.ValLoss)
	if trial.IsBest {
		metrics.BestTrialScore.Set(trial.TrialScore)
	}
	if e.notifier != nil {
		e.notifyError("trial", e.notifier.TrialRecorded(ctx, trial))
	}

	e.log.Infow("Engine: training finished",
		"trial_id", trial.ID,
		"samples", run.Samples,
		"epochs", run.Metrics.Epochs,
		"val_loss", run.Metrics.ValLoss,
		"accuracy", run.Metrics.Accuracy,
		"trial_score", trial.TrialScore,
		"is_best", trial.IsBest,
		"duration", run.Duration,
	)
	return &models.TrainingResult{
		Samples:      run.Samples,
		Metrics:      run.Metrics,
		TrainingTime: run.Duration,
		Trial:        trial,
	}, nil
}
