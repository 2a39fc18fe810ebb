package models

import "time"

// ForecastVector holds horizon steps of denormalized channel values, in AllChannels order
type ForecastVector [][]float64

// Quality buckets
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// QualityAssessment summarises how trustworthy a prediction record is
type QualityAssessment struct {
	DataCompleteness float64 `json:"data_completeness"` // percent of channel values present
	MeanRegistered   float64 `json:"mean_registered"`
	MeanUnregistered float64 `json:"mean_unregistered"`
	MeanOverall      float64 `json:"mean_overall"`
	ScoreVariance    float64 `json:"score_variance"`
	Bucket           string  `json:"bucket"`
}

// ModelInfo describes the model state that produced a prediction
type ModelInfo struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	Architecture string    `json:"architecture"`
	Trained      bool      `json:"trained"`
	Degraded     bool      `json:"degraded"` // weighted historical average used instead of the model
}

// PredictionRecord is the immutable output of one prediction run
type PredictionRecord struct {
	ID               string              `json:"id"`
	Timestamp        time.Time           `json:"timestamp"`
	Top5Registered   []CropScore         `json:"top5_registered"`
	Top5Unregistered []CropScore         `json:"top5_unregistered"`
	Top5Overall      []CropScore         `json:"top5_overall"`
	TopOverall       *CropScore          `json:"top_overall,omitempty"`
	ForecastSnapshot ForecastVector      `json:"forecast_snapshot"`
	Representative   map[Channel]float64 `json:"representative"`
	ModelInfo        ModelInfo           `json:"model_info"`
	Quality          QualityAssessment   `json:"quality_assessment"`
	Outcome          *Outcome            `json:"outcome,omitempty"`
}
