package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
)

// Store persists trials. CommitTrials must apply all rows together.
type Store interface {
	ReadTrials(ctx context.Context) ([]models.TrainingTrial, error)
	CommitTrials(ctx context.Context, trials []models.TrainingTrial) error
}

// Trial score weights
const (
	AccuracyWeight = 0.6
	MAEWeight      = 0.3
	RMSEWeight     = 0.1
)

// TrialScore ranks a run: 0.6·accuracy + 0.3·(100−MAE%) + 0.1·(100−RMSE%).
// MAE and RMSE are in normalized units, so they are scaled to percent first.
func TrialScore(m models.TrainingMetrics) float64 {
	return AccuracyWeight*m.Accuracy +
		MAEWeight*(100-m.MAE*100) +
		RMSEWeight*(100-m.RMSE*100)
}

// Ledger records training trials and maintains the single best flag
type Ledger struct {
	store Store
	log   *zap.SugaredLogger
}

// New creates a ledger backed by store
func New(store Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: store, log: logging.OrNop(log)}
}

// Record inserts trial and recomputes the best flag over every trial. The new
// row and every flipped flag are committed in one batch. The stored trial is
// returned with its final IsBest value.
func (l *Ledger) Record(ctx context.Context, trial models.TrainingTrial) (models.TrainingTrial, error) {
	trial.TrialScore = TrialScore(trial.Metrics)

	existing, err := l.store.ReadTrials(ctx)
	if err != nil {
		return trial, fmt.Errorf("failed to read trials: %w", err)
	}

	all := append(existing, trial)
	bestIdx := SelectBest(all)

	var changed []models.TrainingTrial
	for i := range all {
		want := i == bestIdx
		isNew := i == len(all)-1
		if all[i].IsBest != want || isNew {
			all[i].IsBest = want
			changed = append(changed, all[i])
		}
	}

	if err := l.store.CommitTrials(ctx, changed); err != nil {
		return trial, fmt.Errorf("failed to commit trial %s: %w", trial.ID, err)
	}

	trial = all[len(all)-1]
	if trial.IsBest {
		l.log.Infof("Ledger: trial %s is the new best (score %.2f)", trial.ID, trial.TrialScore)
	} else {
		l.log.Infof("Ledger: recorded trial %s (score %.2f), best remains %s",
			trial.ID, trial.TrialScore, all[bestIdx].ID)
	}
	return trial, nil
}

// SelectBest returns the index of the highest scoring trial. Ties go to the
// earliest trial so an equal rerun does not steal the flag. NaN scores rank
// below every number. It returns -1 for an empty slice.
func SelectBest(trials []models.TrainingTrial) int {
	best := -1
	for i, t := range trials {
		if best < 0 || better(t.TrialScore, trials[best].TrialScore) {
			best = i
		}
	}
	return best
}

func better(score, current float64) bool {
	if math.IsNaN(score) {
		return false
	}
	return math.IsNaN(current) || score > current
}

// Recent returns the n most recently trained trials, newest first. n <= 0
// returns every trial.
func (l *Ledger) Recent(ctx context.Context, n int) ([]models.TrainingTrial, error) {
	trials, err := l.store.ReadTrials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read trials: %w", err)
	}
	sort.SliceStable(trials, func(i, j int) bool {
		return trials[i].TrainedAt.After(trials[j].TrainedAt)
	})
	if n > 0 && len(trials) > n {
		trials = trials[:n]
	}
	return trials, nil
}

// Best returns the trial carrying the best flag, or nil when none exists
func (l *Ledger) Best(ctx context.Context) (*models.TrainingTrial, error) {
	trials, err := l.store.ReadTrials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read trials: %w", err)
	}
	for _, t := range trials {
		if t.IsBest {
			return &t, nil
		}
	}
	return nil, nil
}
