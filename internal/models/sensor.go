package models

import "time"

// Channel identifies one monitored environmental variable
type Channel string

const (
	Nitrogen    Channel = "nitrogen"
	Phosphorus  Channel = "phosphorus"
	Potassium   Channel = "potassium"
	Temperature Channel = "temperature"
	Humidity    Channel = "humidity"
	Moisture    Channel = "moisture"
	PH          Channel = "ph"
	Light       Channel = "light"
)

// AllChannels is the fixed feature order used by the model
var AllChannels = []Channel{
	Nitrogen,
	Phosphorus,
	Potassium,
	Temperature,
	Humidity,
	Moisture,
	PH,
	Light,
}

// NumChannels is the width of one feature vector
const NumChannels = 8

// Index returns the feature index of the channel, or -1 if unknown
func (c Channel) Index() int {
	for i, ch := range AllChannels {
		if ch == c {
			return i
		}
	}
	return -1
}

// ChannelStats is the pre-aggregated summary of one channel over one period.
// Nil values mean the store had no numeric value for that statistic.
type ChannelStats struct {
	Average *float64 `json:"average"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	Count   int      `json:"count"`
}

// SensorAggregate is one periodic summary read from the time-series store
type SensorAggregate struct {
	Timestamp time.Time                `json:"timestamp"`
	Channels  map[Channel]ChannelStats `json:"channels"`
}

// TotalCount sums the sample counts of every channel in the aggregate
func (a SensorAggregate) TotalCount() int {
	total := 0
	for _, s := range a.Channels {
		total += s.Count
	}
	return total
}

// Float returns a pointer to v, convenient for building ChannelStats literals
func Float(v float64) *float64 {
	return &v
}
