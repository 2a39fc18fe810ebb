package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/sequence"
)

// Source is the slice of the store the trainer reads from
type Source interface {
	ReadHarvestedEpisodes(ctx context.Context, limit int) ([]models.Episode, error)
	ReadAggregates(ctx context.Context, start, end time.Time) ([]models.SensorAggregate, error)
	ReadCropProfiles(ctx context.Context) ([]models.CropProfile, error)
}

// Config controls episode selection and the fit loop
type Config struct {
	MinSamples      int
	MaxEpochs       int
	Patience        int
	BatchSize       int
	ValidationSplit float64
	EpisodeLimit    int
	// Tolerance is the accuracy threshold in normalized units
	Tolerance    float64
	MinDelta     float64
	Seed         uint64
	Architecture forecast.Architecture
	Hyperparams  forecast.Hyperparams
}

// DefaultConfig returns production training settings
func DefaultConfig() Config {
	return Config{
		MinSamples:      10,
		MaxEpochs:       200,
		Patience:        20,
		BatchSize:       16,
		ValidationSplit: 0.2,
		EpisodeLimit:    500,
		Tolerance:       0.10,
		MinDelta:        0,
		Seed:            42,
		Architecture:    forecast.DefaultArchitecture(),
		Hyperparams:     forecast.DefaultHyperparams(),
	}
}

// Success rates outside this range are treated as mislabelled
const (
	MinSuccessRate = 5.0
	MaxSuccessRate = 100.0
)

// EpochProgress is reported after every epoch of the fit loop
type EpochProgress struct {
	Epoch       int     `json:"epoch"`
	MaxEpochs   int     `json:"max_epochs"`
	TrainLoss   float64 `json:"train_loss"`
	ValLoss     float64 `json:"val_loss"`
	BestValLoss float64 `json:"best_val_loss"`
	Restored    bool    `json:"restored"`
}

// Result is a fitted model together with its validation metrics
type Result struct {
	Model      *forecast.Model
	Metrics    models.TrainingMetrics
	EpisodeIDs []string
	Samples    int
	Duration   time.Duration
}

// Trainer builds samples from harvested episodes and fits a fresh model
type Trainer struct {
	source Source
	pre    *sequence.Preprocessor
	config Config
	log    *zap.SugaredLogger

	onProgress func(EpochProgress)
}

// NewTrainer creates a trainer reading from source
func NewTrainer(source Source, config Config, log *zap.SugaredLogger) *Trainer {
	log = logging.OrNop(log)
	return &Trainer{
		source: source,
		pre:    sequence.NewPreprocessor(log),
		config: config,
		log:    log,
	}
}

// SetProgressCallback sets the function called after every epoch
func (t *Trainer) SetProgressCallback(callback func(EpochProgress)) {
	t.onProgress = callback
}

// Config returns the trainer settings
func (t *Trainer) Config() Config {
	return t.config
}

// Run performs one complete training run. It has no side effects on the store;
// persisting the model and the trial is left to the caller.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	started := time.Now()

	samples, err := t.LoadSamples(ctx)
	if err != nil {
		return nil, err
	}
	if len(samples) < t.config.MinSamples {
		return nil, &models.InsufficientDataError{
			What: "training samples",
			Have: len(samples),
			Need: t.config.MinSamples,
		}
	}

	train, val := Split(samples, t.config.ValidationSplit, t.config.Seed)
	t.log.Infof("Trainer: %d samples (%d train, %d validation)", len(samples), len(train), len(val))

	model := forecast.New(t.config.Architecture, t.config.Hyperparams, t.config.Seed)
	metrics, err := t.fit(ctx, model, train, val)
	if err != nil {
		return nil, err
	}
	model.MarkTrained(time.Now())

	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.EpisodeID
	}
	return &Result{
		Model:      model,
		Metrics:    metrics,
		EpisodeIDs: ids,
		Samples:    len(samples),
		Duration:   time.Since(started),
	}, nil
}

// LoadSamples selects eligible harvested episodes and turns each into a sample
func (t *Trainer) LoadSamples(ctx context.Context) ([]Sample, error) {
	episodes, err := t.source.ReadHarvestedEpisodes(ctx, t.config.EpisodeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read harvested episodes: %w", err)
	}
	crops, err := t.source.ReadCropProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read crop profiles: %w", err)
	}
	registered := make(map[string]bool, len(crops))
	for _, c := range crops {
		registered[c.ID] = c.IsRegistered
	}

	var samples []Sample
	for _, ep := range episodes {
		if !Eligible(ep) {
			continue
		}
		aggs, err := t.source.ReadAggregates(ctx, ep.StartDate, ep.EndDate)
		if err != nil {
			return nil, fmt.Errorf("failed to read aggregates for episode %s: %w", ep.ID, err)
		}
		sample, ok := t.BuildSample(ep, aggs)
		if !ok {
			t.log.Debugf("Trainer: episode %s has %d aggregates, skipping", ep.ID, len(aggs))
			continue
		}
		sample.Registered = registered[ep.CropID]
		samples = append(samples, sample)
	}
	return samples, nil
}

// Eligible reports whether an episode carries a usable label. The
// TrainedForModel flag is deliberately ignored so every run re-reads all
// harvested episodes.
func Eligible(ep models.Episode) bool {
	if ep.Status != models.EpisodeHarvested || ep.FinalSummary == nil || ep.SuccessRate == nil {
		return false
	}
	rate := *ep.SuccessRate
	return !math.IsNaN(rate) && rate >= MinSuccessRate && rate <= MaxSuccessRate
}

// BuildSample converts an episode's elapsed aggregates into an input sequence
// and a proxy target. ok is false when fewer than SequenceLength aggregates exist.
func (t *Trainer) BuildSample(ep models.Episode, aggs []models.SensorAggregate) (Sample, bool) {
	seq, _, _, err := t.pre.Build(aggs)
	if err != nil {
		return Sample{}, false
	}
	return Sample{
		EpisodeID: ep.ID,
		Input:     seq,
		Target:    t.ProxyTarget(aggs, ep.FinalSummary),
	}, true
}

// ProxyTarget repeats the count-weighted average of the last ForecastHorizon
// aggregates and the final summary across the whole horizon.
func (t *Trainer) ProxyTarget(aggs []models.SensorAggregate, final *models.SensorAggregate) []float64 {
	recent := sequence.Latest(aggs, sequence.ForecastHorizon)
	if final != nil {
		recent = append(recent, *final)
	}
	avg := sequence.WeightedAverage(recent)

	step := make([]float64, models.NumChannels)
	for i, ch := range models.AllChannels {
		if v, ok := avg[ch]; ok {
			step[i] = t.pre.Normalize(ch, v)
		}
	}
	target := make([]float64, 0, sequence.ForecastHorizon*models.NumChannels)
	for h := 0; h < sequence.ForecastHorizon; h++ {
		target = append(target, step...)
	}
	return target
}
