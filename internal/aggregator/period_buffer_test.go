package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/models"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func TestPeriodAggregatorStats(t *testing.T) {
	pa := NewPeriodAggregator(time.Hour)
	for i, v := range []float64{20, 24, 22} {
		require.True(t, pa.Add(models.SensorReading{
			DeviceID:  "node-1",
			Channel:   models.Temperature,
			Value:     v,
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Minute),
		}))
	}
	pa.Add(models.SensorReading{Channel: models.PH, Value: 6.5, Timestamp: t0.Add(5 * time.Minute)})

	aggs := pa.FlushClosed(t0.Add(time.Hour))
	require.Len(t, aggs, 1)
	temp := aggs[0].Channels[models.Temperature]
	assert.Equal(t, t0, aggs[0].Timestamp)
	assert.InDelta(t, 22, *temp.Average, 1e-12)
	assert.Equal(t, 20.0, *temp.Min)
	assert.Equal(t, 24.0, *temp.Max)
	assert.Equal(t, 3, temp.Count)
	assert.Equal(t, 4, aggs[0].TotalCount())
	assert.Equal(t, 0, pa.OpenPeriods())
}

func TestPeriodAggregatorKeepsOpenPeriod(t *testing.T) {
	pa := NewPeriodAggregator(time.Hour)
	pa.Add(models.SensorReading{Channel: models.Moisture, Value: 30, Timestamp: t0.Add(-30 * time.Minute)})
	pa.Add(models.SensorReading{Channel: models.Moisture, Value: 31, Timestamp: t0.Add(15 * time.Minute)})

	closed := pa.FlushClosed(t0.Add(20 * time.Minute))
	require.Len(t, closed, 1)
	assert.Equal(t, t0.Add(-time.Hour), closed[0].Timestamp)
	assert.Equal(t, 1, pa.OpenPeriods())

	rest := pa.FlushAll()
	require.Len(t, rest, 1)
	assert.Equal(t, t0, rest[0].Timestamp)
}

func TestPeriodAggregatorRejectsBadReadings(t *testing.T) {
	pa := NewPeriodAggregator(time.Hour)
	assert.False(t, pa.Add(models.SensorReading{Channel: "co2", Value: 400, Timestamp: t0}))
	assert.False(t, pa.Add(models.SensorReading{Channel: models.Light, Value: math.NaN(), Timestamp: t0}))
	assert.False(t, pa.Add(models.SensorReading{Channel: models.Light, Value: math.Inf(1), Timestamp: t0}))
	assert.Equal(t, 0, pa.OpenPeriods())
}

func TestPeriodAggregatorOrdersFlushedPeriods(t *testing.T) {
	pa := NewPeriodAggregator(time.Hour)
	for _, h := range []int{3, 1, 2} {
		pa.Add(models.SensorReading{Channel: models.Light, Value: 900, Timestamp: t0.Add(time.Duration(h) * time.Hour)})
	}
	aggs := pa.FlushAll()
	require.Len(t, aggs, 3)
	for i := 1; i < len(aggs); i++ {
		assert.True(t, aggs[i-1].Timestamp.Before(aggs[i].Timestamp))
	}
}
