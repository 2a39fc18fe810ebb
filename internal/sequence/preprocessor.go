package sequence

import (
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// Sequence is SequenceLength normalized feature vectors, oldest first
type Sequence [][]float64

// Report counts data quality issues seen while building a sequence
type Report struct {
	Values  int // channel values inspected
	Missing int // missing or non-numeric, treated as 0
	Clamped int // outside the tolerance band
	Extreme int // beyond HardClampMultiple ranges
}

// Completeness returns the percentage of channel values that were present
func (r Report) Completeness() float64 {
	if r.Values == 0 {
		return 0
	}
	return 100 * float64(r.Values-r.Missing) / float64(r.Values)
}

// Preprocessor turns aggregates into normalized model input
type Preprocessor struct {
	ranges map[models.Channel]ChannelRange
	log    *zap.SugaredLogger
}

// NewPreprocessor creates a preprocessor using DefaultRanges
func NewPreprocessor(log *zap.SugaredLogger) *Preprocessor {
	return &Preprocessor{
		ranges: DefaultRanges,
		log:    logging.OrNop(log),
	}
}

// Normalize maps a raw value into [0,1] for the channel
func (p *Preprocessor) Normalize(ch models.Channel, v float64) float64 {
	x, _ := p.normalize(ch, v)
	return x
}

// normalize also reports whether the value had to be clamped beyond tolerance
// (clamped) or was implausibly far outside the range (extreme).
func (p *Preprocessor) normalize(ch models.Channel, v float64) (x float64, outcome clampOutcome) {
	r := p.ranges[ch]
	span := r.Span()
	if span <= 0 {
		return 0, clampNone
	}

	if v > r.Min+HardClampMultiple*span || v < r.Max-HardClampMultiple*span {
		if v > r.Max {
			return 1, clampExtreme
		}
		return 0, clampExtreme
	}

	x = (v - r.Min) / span
	outcome = clampNone
	if x < -ToleranceFraction || x > 1+ToleranceFraction {
		outcome = clampTolerance
	}
	return math.Max(0, math.Min(1, x)), outcome
}

type clampOutcome int

const (
	clampNone clampOutcome = iota
	clampTolerance
	clampExtreme
)

// Denormalize maps a [0,1] feature back onto the channel's physical range
func (p *Preprocessor) Denormalize(ch models.Channel, x float64) float64 {
	r := p.ranges[ch]
	return r.Min + x*r.Span()
}

// Build converts the latest SequenceLength aggregates into a normalized sequence.
// It also returns the per-step sample counts, oldest first.
func (p *Preprocessor) Build(aggs []models.SensorAggregate) (Sequence, []int, Report, error) {
	if len(aggs) < SequenceLength {
		return nil, nil, Report{}, &models.InsufficientDataError{
			What: "aggregates",
			Have: len(aggs),
			Need: SequenceLength,
		}
	}

	window := Latest(aggs, SequenceLength)
	seq := make(Sequence, len(window))
	counts := make([]int, len(window))
	var report Report

	for i, agg := range window {
		seq[i] = p.Vector(agg, &report)
		counts[i] = agg.TotalCount()
	}

	if report.Missing > 0 || report.Extreme > 0 {
		p.log.Warnf("Preprocessor: %d missing and %d extreme values in %d (completeness %.1f%%)",
			report.Missing, report.Extreme, report.Values, report.Completeness())
	}
	return seq, counts, report, nil
}

// Vector normalizes a single aggregate into AllChannels order. report may be nil.
func (p *Preprocessor) Vector(agg models.SensorAggregate, report *Report) []float64 {
	if report == nil {
		report = &Report{}
	}
	vec := make([]float64, models.NumChannels)
	for i, ch := range models.AllChannels {
		report.Values++
		raw, ok := numeric(agg.Channels[ch].Average)
		if !ok {
			report.Missing++
			p.log.Debugf("Preprocessor: missing %s at %s, using 0", ch, agg.Timestamp.Format("2006-01-02T15:04"))
			raw = 0
		}

		x, outcome := p.normalize(ch, raw)
		switch outcome {
		case clampExtreme:
			report.Extreme++
			p.log.Warnf("Preprocessor: %s=%.2f is far outside [%.0f, %.0f], clamped",
				ch, raw, p.ranges[ch].Min, p.ranges[ch].Max)
		case clampTolerance:
			report.Clamped++
		}
		vec[i] = x
	}
	return vec
}

// Latest returns the n most recent aggregates, oldest first, without mutating aggs
func Latest(aggs []models.SensorAggregate, n int) []models.SensorAggregate {
	sorted := make([]models.SensorAggregate, len(aggs))
	copy(sorted, aggs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	if len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted
}

// WeightedAverage computes the count-weighted mean of every channel across aggs.
// Channels without any numeric average are left out of the result.
func WeightedAverage(aggs []models.SensorAggregate) map[models.Channel]float64 {
	out := make(map[models.Channel]float64, models.NumChannels)
	for _, ch := range models.AllChannels {
		var values, weights []float64
		for _, agg := range aggs {
			stats := agg.Channels[ch]
			v, ok := numeric(stats.Average)
			if !ok {
				continue
			}
			values = append(values, v)
			weights = append(weights, float64(stats.Count))
		}
		if len(values) == 0 {
			continue
		}
		if floats.Sum(weights) == 0 {
			weights = nil
		}
		out[ch] = stat.Mean(values, weights)
	}
	return out
}

func numeric(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}
