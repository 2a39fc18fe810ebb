package sequence

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/models"
)

func aggregate(ts time.Time, v float64, count int) models.SensorAggregate {
	channels := make(map[models.Channel]models.ChannelStats, models.NumChannels)
	for _, ch := range models.AllChannels {
		channels[ch] = models.ChannelStats{Average: models.Float(v), Count: count}
	}
	return models.SensorAggregate{Timestamp: ts, Channels: channels}
}

func series(n int) []models.SensorAggregate {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	aggs := make([]models.SensorAggregate, n)
	for i := range aggs {
		aggs[i] = aggregate(base.Add(time.Duration(i)*24*time.Hour), float64(i+1), 10)
	}
	return aggs
}

func TestNormalizeDenormalizeRoundTrip(t *testing.T) {
	p := NewPreprocessor(nil)
	for _, ch := range models.AllChannels {
		r := DefaultRanges[ch]
		for _, frac := range []float64{0, 0.1, 0.25, 0.5, 0.77, 1} {
			v := r.Min + frac*r.Span()
			got := p.Denormalize(ch, p.Normalize(ch, v))
			assert.InDelta(t, v, got, 1e-9, "channel %s value %v", ch, v)
		}
	}
}

func TestNormalizeClamping(t *testing.T) {
	p := NewPreprocessor(nil)

	tests := []struct {
		name    string
		ch      models.Channel
		value   float64
		want    float64
		outcome clampOutcome
	}{
		{"in range", models.Temperature, 25, 0.5, clampNone},
		{"within tolerance above", models.Temperature, 54, 1, clampNone},
		{"within tolerance below", models.PH, -1, 0, clampNone},
		{"beyond tolerance", models.Temperature, 70, 1, clampTolerance},
		{"beyond twice the range", models.Temperature, 120, 1, clampExtreme},
		{"far negative", models.Light, -5000, 0, clampExtreme},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := p.normalize(tt.ch, tt.value)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestBuildInsufficientData(t *testing.T) {
	p := NewPreprocessor(nil)
	_, _, _, err := p.Build(series(SequenceLength - 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientData))

	var ide *models.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, SequenceLength-1, ide.Have)
	assert.Equal(t, SequenceLength, ide.Need)
}

func TestBuildUsesLatestWindowOldestFirst(t *testing.T) {
	p := NewPreprocessor(nil)
	aggs := series(10)
	// shuffle the input order; Build must sort by timestamp
	aggs[0], aggs[9] = aggs[9], aggs[0]

	seq, counts, report, err := p.Build(aggs)
	require.NoError(t, err)
	require.Len(t, seq, SequenceLength)
	assert.Len(t, counts, SequenceLength)
	assert.Equal(t, 80, counts[0])

	// the latest 7 of values 1..10 are 4..10
	tempIdx := models.Temperature.Index()
	assert.InDelta(t, 4.0/50, seq[0][tempIdx], 1e-9)
	assert.InDelta(t, 10.0/50, seq[SequenceLength-1][tempIdx], 1e-9)
	assert.Equal(t, 100.0, report.Completeness())

	for _, vec := range seq {
		for _, x := range vec {
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
		}
	}
}

func TestBuildMissingValues(t *testing.T) {
	p := NewPreprocessor(nil)
	aggs := series(SequenceLength)
	aggs[3].Channels[models.PH] = models.ChannelStats{Average: nil, Count: 0}
	aggs[4].Channels[models.Light] = models.ChannelStats{Average: models.Float(math.NaN()), Count: 3}

	seq, _, report, err := p.Build(aggs)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Missing)
	assert.Equal(t, 0.0, seq[3][models.PH.Index()])
	assert.Equal(t, 0.0, seq[4][models.Light.Index()])
	assert.InDelta(t, 100*float64(56-2)/56, report.Completeness(), 1e-9)
}

func TestWeightedAverage(t *testing.T) {
	base := time.Now()
	aggs := []models.SensorAggregate{
		aggregate(base, 10, 1),
		aggregate(base.Add(time.Hour), 20, 3),
	}
	avg := WeightedAverage(aggs)
	assert.InDelta(t, 17.5, avg[models.Temperature], 1e-9)

	// zero counts fall back to a plain mean
	aggs = []models.SensorAggregate{aggregate(base, 10, 0), aggregate(base, 30, 0)}
	assert.InDelta(t, 20.0, WeightedAverage(aggs)[models.Moisture], 1e-9)

	// channels without data are absent
	empty := models.SensorAggregate{Timestamp: base, Channels: map[models.Channel]models.ChannelStats{}}
	_, ok := WeightedAverage([]models.SensorAggregate{empty})[models.PH]
	assert.False(t, ok)
}

func TestLatestDoesNotMutateInput(t *testing.T) {
	aggs := series(9)
	aggs[0], aggs[8] = aggs[8], aggs[0]
	first := aggs[0].Timestamp

	_ = Latest(aggs, 3)
	assert.Equal(t, first, aggs[0].Timestamp)
}
