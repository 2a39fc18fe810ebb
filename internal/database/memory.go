package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cropcast-backend/internal/models"
)

// Operation names accepted by MemoryStore.SetFailure
const (
	OpReadAggregates   = "read_aggregates"
	OpReadEpisodes     = "read_episodes"
	OpReadCrops        = "read_crops"
	OpCommitPrediction = "commit_prediction"
	OpCommitTrials     = "commit_trials"
	OpReadTrials       = "read_trials"
	OpMarkEpisodes     = "mark_episodes"
	OpCommitOutcome    = "commit_outcome"
)

type trialRow struct {
	Seq   int
	Trial models.TrainingTrial
}

// MemoryStore is an in-process store with the same semantics as the ClickHouse
// store. Every commit is applied under one lock, so it is all-or-nothing.
type MemoryStore struct {
	mu          sync.RWMutex
	aggregates  []models.SensorAggregate
	episodes    map[string]*models.Episode
	crops       map[string]*models.CropProfile
	cropOrder   []string
	predictions map[string]*models.PredictionRecord
	predOrder   []string
	trials      map[string]trialRow
	outcomes    []models.Outcome
	failures    map[string]error

	hub outcomeHub
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		episodes:    make(map[string]*models.Episode),
		crops:       make(map[string]*models.CropProfile),
		predictions: make(map[string]*models.PredictionRecord),
		trials:      make(map[string]trialRow),
		failures:    make(map[string]error),
	}
}

// SetFailure makes every call of op fail with err until cleared with a nil err
func (s *MemoryStore) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *MemoryStore) failure(op string) error {
	if err, ok := s.failures[op]; ok {
		return models.NewPersistenceError(op, err)
	}
	return nil
}

// SeedAggregates appends aggregates to the time series
func (s *MemoryStore) SeedAggregates(aggs ...models.SensorAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates = append(s.aggregates, aggs...)
	sort.SliceStable(s.aggregates, func(i, j int) bool {
		return s.aggregates[i].Timestamp.Before(s.aggregates[j].Timestamp)
	})
}

// SeedEpisodes adds or replaces planting episodes
func (s *MemoryStore) SeedEpisodes(episodes ...models.Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range episodes {
		ep := ep
		s.episodes[ep.ID] = &ep
	}
}

// SeedCrops adds or replaces crop profiles
func (s *MemoryStore) SeedCrops(crops ...models.CropProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range crops {
		c := c
		if _, exists := s.crops[c.ID]; !exists {
			s.cropOrder = append(s.cropOrder, c.ID)
		}
		s.crops[c.ID] = &c
	}
}

// SaveAggregates appends closed aggregation periods
func (s *MemoryStore) SaveAggregates(ctx context.Context, aggs []models.SensorAggregate) error {
	s.SeedAggregates(aggs...)
	return nil
}

// UpsertCropProfile adds or replaces a crop profile, keeping its last score
func (s *MemoryStore) UpsertCropProfile(ctx context.Context, crop models.CropProfile) error {
	s.mu.RLock()
	if existing, ok := s.crops[crop.ID]; ok && crop.LastScore == nil {
		crop.LastScore = existing.LastScore
	}
	s.mu.RUnlock()
	s.SeedCrops(crop)
	return nil
}

// UpsertEpisode adds or replaces a planting episode
func (s *MemoryStore) UpsertEpisode(ctx context.Context, ep models.Episode) error {
	s.SeedEpisodes(ep)
	return nil
}

// ReadAggregates returns aggregates with start <= timestamp <= end, oldest first
func (s *MemoryStore) ReadAggregates(ctx context.Context, start, end time.Time) ([]models.SensorAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpReadAggregates); err != nil {
		return nil, err
	}
	var out []models.SensorAggregate
	for _, a := range s.aggregates {
		if a.Timestamp.Before(start) || a.Timestamp.After(end) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ReadHarvestedEpisodes returns harvested episodes, most recently finished first
func (s *MemoryStore) ReadHarvestedEpisodes(ctx context.Context, limit int) ([]models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpReadEpisodes); err != nil {
		return nil, err
	}
	var out []models.Episode
	for _, ep := range s.episodes {
		if ep.Status == models.EpisodeHarvested {
			out = append(out, *ep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].EndDate.After(out[j].EndDate)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReadCropProfiles returns every crop profile in insertion order
func (s *MemoryStore) ReadCropProfiles(ctx context.Context) ([]models.CropProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpReadCrops); err != nil {
		return nil, err
	}
	out := make([]models.CropProfile, 0, len(s.cropOrder))
	for _, id := range s.cropOrder {
		out = append(out, *s.crops[id])
	}
	return out, nil
}

// CommitPrediction stores the record and every crop's last score together
func (s *MemoryStore) CommitPrediction(ctx context.Context, record models.PredictionRecord, lastScores map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpCommitPrediction); err != nil {
		return err
	}
	for cropID := range lastScores {
		if _, ok := s.crops[cropID]; !ok {
			return models.NewPersistenceError(OpCommitPrediction, fmt.Errorf("unknown crop %q", cropID))
		}
	}

	rec := record
	s.predictions[rec.ID] = &rec
	s.predOrder = append(s.predOrder, rec.ID)
	for cropID, score := range lastScores {
		score := score
		s.crops[cropID].LastScore = &score
	}
	return nil
}

// Prediction returns a stored prediction record
func (s *MemoryStore) Prediction(id string) (models.PredictionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.predictions[id]
	if !ok {
		return models.PredictionRecord{}, false
	}
	return *rec, true
}

// ReadPredictions returns the most recent records, newest first; limit <= 0 returns all
func (s *MemoryStore) ReadPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.predOrder)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.PredictionRecord, 0, n)
	for i := len(s.predOrder) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *s.predictions[s.predOrder[i]])
	}
	return out, nil
}

// PredictionCount returns the number of stored prediction records
func (s *MemoryStore) PredictionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.predOrder)
}

// ReadTrials returns every trial in insertion order
func (s *MemoryStore) ReadTrials(ctx context.Context) ([]models.TrainingTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpReadTrials); err != nil {
		return nil, err
	}
	rows := make([]trialRow, 0, len(s.trials))
	for _, r := range s.trials {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	out := make([]models.TrainingTrial, len(rows))
	for i, r := range rows {
		out[i] = r.Trial
	}
	return out, nil
}

// CommitTrials upserts trial rows in one step
func (s *MemoryStore) CommitTrials(ctx context.Context, trials []models.TrainingTrial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpCommitTrials); err != nil {
		return err
	}
	for _, t := range trials {
		row, exists := s.trials[t.ID]
		if !exists {
			row.Seq = len(s.trials)
		}
		row.Trial = t
		s.trials[t.ID] = row
	}
	return nil
}

// MarkEpisodesTrained flags episodes as consumed by a training run
func (s *MemoryStore) MarkEpisodesTrained(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpMarkEpisodes); err != nil {
		return err
	}
	for _, id := range ids {
		if ep, ok := s.episodes[id]; ok {
			ep.TrainedForModel = true
		}
	}
	return nil
}

// Episode returns a stored episode
func (s *MemoryStore) Episode(id string) (models.Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return models.Episode{}, false
	}
	return *ep, true
}

// CommitOutcome appends the outcome to the log, attaches it to its prediction
// record when the ID is known and notifies subscribers. Unknown prediction IDs
// are ignored.
func (s *MemoryStore) CommitOutcome(ctx context.Context, outcome models.Outcome) error {
	s.mu.Lock()
	if err := s.failure(OpCommitOutcome); err != nil {
		s.mu.Unlock()
		return err
	}
	s.outcomes = append(s.outcomes, outcome)
	if rec, ok := s.predictions[outcome.PredictionID]; ok && outcome.PredictionID != "" {
		o := outcome
		rec.Outcome = &o
	}
	s.mu.Unlock()

	s.hub.publish(outcome)
	return nil
}

// Outcomes returns every recorded outcome
func (s *MemoryStore) Outcomes() []models.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Outcome(nil), s.outcomes...)
}

// OnOutcomeRecorded registers a callback invoked after each CommitOutcome
func (s *MemoryStore) OnOutcomeRecorded(fn func(models.Outcome)) {
	s.hub.subscribe(fn)
}
