package models

import "time"

// TrainingMetrics are computed on the validation partition after the fit loop
type TrainingMetrics struct {
	TrainLoss    float64 `json:"train_loss"`
	ValLoss      float64 `json:"val_loss"`
	MAE          float64 `json:"mae"`      // normalized units
	RMSE         float64 `json:"rmse"`     // normalized units
	Accuracy     float64 `json:"accuracy"` // percent of predictions within tolerance
	Epochs       int     `json:"epochs"`
	BestEpoch    int     `json:"best_epoch"`
	TrainSamples int     `json:"train_samples"`
	ValSamples   int     `json:"val_samples"`
}

// TrainingTrial is the immutable record of one completed training run.
// Only IsBest changes after insertion.
type TrainingTrial struct {
	ID         string          `json:"id"`
	TrainedAt  time.Time       `json:"trained_at"`
	Metrics    TrainingMetrics `json:"metrics"`
	TrialScore float64         `json:"trial_score"`
	IsBest     bool            `json:"is_best"`
	Samples    int             `json:"samples"`
	Duration   time.Duration   `json:"duration"`
}

// TrainingResult is returned to callers of a manual training run
type TrainingResult struct {
	Samples      int             `json:"samples"`
	Metrics      TrainingMetrics `json:"metrics"`
	TrainingTime time.Duration   `json:"training_time"`
	Trial        TrainingTrial   `json:"trial"`
}
