package models

import "time"

// CropProfile describes a crop and its optimal growing conditions
type CropProfile struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	IsRegistered bool                `json:"is_registered"`
	Optimal      map[Channel]float64 `json:"optimal"`
	LastScore    *int                `json:"last_score,omitempty"`
}

// Episode status values
const (
	EpisodeHarvested = "harvested"
	EpisodeCancelled = "cancelled"
	EpisodeGrowing   = "growing"
)

// Episode is a planted crop's lifecycle from planting to harvest or cancellation
type Episode struct {
	ID              string           `json:"id"`
	CropID          string           `json:"crop_id"`
	Status          string           `json:"status"`
	StartDate       time.Time        `json:"start_date"`
	EndDate         time.Time        `json:"end_date"`
	FinalSummary    *SensorAggregate `json:"final_sensor_summary,omitempty"`
	SuccessRate     *float64         `json:"success_rate,omitempty"`
	TrainedForModel bool             `json:"trained_for_model"`
}

// CropScore is the suitability of one crop profile against the forecast
type CropScore struct {
	CropID       string               `json:"crop_id"`
	Name         string               `json:"name"`
	IsRegistered bool                 `json:"is_registered"`
	Score        int                  `json:"score"`
	Matches      map[Channel]*float64 `json:"matches"`
}

// Outcome is the actual performance of a crop tied to a prior prediction
type Outcome struct {
	ID           string    `json:"id"`
	CropID       string    `json:"crop_id"`
	PredictionID string    `json:"prediction_id"`
	Score        float64   `json:"score"`
	RecordedAt   time.Time `json:"recorded_at"`
}
