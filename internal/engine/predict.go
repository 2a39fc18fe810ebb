package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/scoring"
	"cropcast-backend/internal/sequence"
)

// Predict forecasts the next horizon, scores every crop profile against the
// representative future aggregate and commits the resulting record.
func (e *Engine) Predict(ctx context.Context) (*models.PredictionRecord, error) {
	record, err := e.predict(ctx)
	if err != nil {
		metrics.PredictionsFailed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	metrics.PredictionsGenerated.Inc()
	if record.ModelInfo.Degraded {
		metrics.PredictionsDegraded.Inc()
	}

	if e.notifier != nil {
		e.notifyError("prediction", e.notifier.PredictionRecorded(ctx, *record))
	}
	return record, nil
}

func (e *Engine) predict(ctx context.Context) (*models.PredictionRecord, error) {
	if !e.ready.Load() {
		return nil, models.ErrBackendNotReady
	}
	if e.config.BlockPredictWhileTraining && e.training.Load() {
		return nil, models.ErrConcurrentTraining
	}

	now := e.now().UTC()
	lookback := time.Duration(max(e.config.LookbackPeriods, sequence.SequenceLength)) * e.config.AggregatePeriod
	aggs, err := e.store.ReadAggregates(ctx, now.Add(-lookback), now)
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregates: %w", err)
	}

	seq, counts, report, err := e.pre.Build(aggs)
	if err != nil {
		return nil, err
	}

	// the handle is swapped whole after training, so this is a consistent snapshot
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	var vector models.ForecastVector
	var present map[models.Channel]bool
	degraded := !model.Trained()
	if degraded {
		vector, present = e.historicalForecast(aggs)
	} else {
		vector = e.modelForecast(model, seq)
	}
	representative := Representative(vector, counts, present)

	crops, err := e.store.ReadCropProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read crop profiles: %w", err)
	}
	scores := scoring.ScoreAll(crops, representative)
	rankings := scoring.BuildRankings(scores)

	record := models.PredictionRecord{
		ID:               uuid.NewString(),
		Timestamp:        now,
		Top5Registered:   rankings.Top5Registered,
		Top5Unregistered: rankings.Top5Unregistered,
		Top5Overall:      rankings.Top5Overall,
		TopOverall:       rankings.TopOverall,
		ForecastSnapshot: vector,
		Representative:   representative,
		ModelInfo:        modelInfo(model, degraded),
		Quality:          scoring.Assess(scores, report.Completeness()),
	}

	lastScores := make(map[string]int, len(scores))
	for _, s := range scores {
		lastScores[s.CropID] = s.Score
	}
	if err := e.store.CommitPrediction(ctx, record, lastScores); err != nil {
		return nil, fmt.Errorf("failed to commit prediction: %w", err)
	}

	e.log.Infow("Engine: prediction recorded",
		"prediction_id", record.ID,
		"degraded", degraded,
		"crops", len(scores),
		"quality", record.Quality.Bucket,
	)
	return &record, nil
}

// modelForecast runs the network and maps its output back to physical units
func (e *Engine) modelForecast(model *forecast.Model, seq sequence.Sequence) models.ForecastVector {
	out := model.Predict(seq)
	horizon := len(out) / models.NumChannels
	vector := make(models.ForecastVector, horizon)
	for h := range vector {
		vector[h] = make([]float64, models.NumChannels)
		for i, ch := range models.AllChannels {
			x := math.Max(0, math.Min(1, out[h*models.NumChannels+i]))
			vector[h][i] = e.pre.Denormalize(ch, x)
		}
	}
	return vector
}

// historicalForecast repeats the count-weighted average of the recent window
// across the horizon. Channels with no data are reported absent.
func (e *Engine) historicalForecast(aggs []models.SensorAggregate) (models.ForecastVector, map[models.Channel]bool) {
	avg := sequence.WeightedAverage(sequence.Latest(aggs, sequence.SequenceLength))
	present := make(map[models.Channel]bool, len(avg))
	step := make([]float64, models.NumChannels)
	for i, ch := range models.AllChannels {
		if v, ok := avg[ch]; ok {
			step[i] = v
			present[ch] = true
		}
	}
	vector := make(models.ForecastVector, sequence.ForecastHorizon)
	for h := range vector {
		vector[h] = append([]float64(nil), step...)
	}
	return vector, present
}

// Representative collapses the horizon into one aggregate. Step h is weighted
// by the sample count of input step h; all-zero counts weigh steps equally.
// A nil present map keeps every channel.
func Representative(vector models.ForecastVector, counts []int, present map[models.Channel]bool) map[models.Channel]float64 {
	if len(vector) == 0 {
		return map[models.Channel]float64{}
	}
	weights := make([]float64, len(vector))
	total := 0.0
	for h := range weights {
		if h < len(counts) {
			weights[h] = float64(counts[h])
		}
		total += weights[h]
	}
	if total == 0 {
		for h := range weights {
			weights[h] = 1
		}
	}

	out := make(map[models.Channel]float64, models.NumChannels)
	column := make([]float64, len(vector))
	for i, ch := range models.AllChannels {
		if present != nil && !present[ch] {
			continue
		}
		for h := range vector {
			column[h] = vector[h][i]
		}
		out[ch] = stat.Mean(column, weights)
	}
	return out
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, models.ErrBackendNotReady):
		return "not_ready"
	case errors.Is(err, models.ErrConcurrentTraining):
		return "training"
	case errors.Is(err, models.ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}
