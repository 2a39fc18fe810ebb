// Package notify delivers engine events to external sinks.
package notify

import (
	"context"
	"errors"

	"cropcast-backend/internal/models"
	"cropcast-backend/internal/training"
)

// Sink is one event destination. It has the same shape as engine.Notifier.
type Sink interface {
	PredictionRecorded(ctx context.Context, record models.PredictionRecord) error
	TrialRecorded(ctx context.Context, trial models.TrainingTrial) error
	TrainingProgress(ctx context.Context, progress training.EpochProgress) error
}

// Multi forwards every event to all sinks and joins their errors
type Multi []Sink

// NewMulti drops nil sinks
func NewMulti(sinks ...Sink) Multi {
	var m Multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) PredictionRecorded(ctx context.Context, record models.PredictionRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PredictionRecorded(ctx, record))
	}
	return errors.Join(errs...)
}

func (m Multi) TrialRecorded(ctx context.Context, trial models.TrainingTrial) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.TrialRecorded(ctx, trial))
	}
	return errors.Join(errs...)
}

func (m Multi) TrainingProgress(ctx context.Context, progress training.EpochProgress) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.TrainingProgress(ctx, progress))
	}
	return errors.Join(errs...)
}
