package sequence

import "cropcast-backend/internal/models"

const (
	// SequenceLength is the number of consecutive aggregates fed to the model
	SequenceLength = 7
	// ForecastHorizon is the number of future periods the model predicts
	ForecastHorizon = 7

	// ToleranceFraction is the overshoot, as a fraction of the range, accepted silently
	ToleranceFraction = 0.10
	// HardClampMultiple marks values this many ranges away from the lower bound as implausible
	HardClampMultiple = 2.0
)

// ChannelRange is the fixed physical domain of one channel
type ChannelRange struct {
	Min float64
	Max float64
}

// Span returns Max - Min
func (r ChannelRange) Span() float64 {
	return r.Max - r.Min
}

// DefaultRanges are the per-channel domains used for normalization
var DefaultRanges = map[models.Channel]ChannelRange{
	models.Nitrogen:    {Min: 0, Max: 100},  // ppm
	models.Phosphorus:  {Min: 0, Max: 100},  // ppm
	models.Potassium:   {Min: 0, Max: 100},  // ppm
	models.Temperature: {Min: 0, Max: 50},   // °C
	models.Humidity:    {Min: 0, Max: 100},  // %
	models.Moisture:    {Min: 0, Max: 100},  // %
	models.PH:          {Min: 0, Max: 14},   // pH
	models.Light:       {Min: 0, Max: 2000}, // lux
}
