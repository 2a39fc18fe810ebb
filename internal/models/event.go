package models

import "time"

// SensorReading is a single raw value received from a field device
type SensorReading struct {
	DeviceID  string    `json:"device_id"`
	Channel   Channel   `json:"channel"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// OutcomeReport is an outcome received over MQTT before it is recorded
type OutcomeReport struct {
	CropID       string  `json:"crop_id"`
	PredictionID string  `json:"prediction_id"`
	Score        float64 `json:"score"`
}

// Event kinds published to downstream consumers
const (
	EventPrediction       = "prediction"
	EventTrial            = "trial"
	EventTrainingProgress = "training_progress"
)

// Event is the envelope published over MQTT and Redis
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
