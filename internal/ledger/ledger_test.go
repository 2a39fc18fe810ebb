package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/database"
	"cropcast-backend/internal/models"
)

func metrics(acc, mae, rmse float64) models.TrainingMetrics {
	return models.TrainingMetrics{Accuracy: acc, MAE: mae, RMSE: rmse}
}

func TestTrialScore(t *testing.T) {
	// 0.6*80 + 0.3*(100-5) + 0.1*(100-10)
	assert.InDelta(t, 48+28.5+9, TrialScore(metrics(80, 0.05, 0.10)), 1e-9)
	assert.InDelta(t, 100, TrialScore(metrics(100, 0, 0)), 1e-9)
}

func bestCount(trials []models.TrainingTrial) (int, *models.TrainingTrial) {
	n := 0
	var best *models.TrainingTrial
	for i := range trials {
		if trials[i].IsBest {
			n++
			best = &trials[i]
		}
	}
	return n, best
}

func TestRecordKeepsExactlyOneBest(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	l := New(store, nil)

	accuracies := []float64{40, 70, 55, 90, 10, 90}
	for i, acc := range accuracies {
		_, err := l.Record(ctx, models.TrainingTrial{
			ID:        fmt.Sprintf("t%d", i),
			TrainedAt: time.Unix(int64(i), 0),
			Metrics:   metrics(acc, 0.1, 0.1),
		})
		require.NoError(t, err)

		trials, err := store.ReadTrials(ctx)
		require.NoError(t, err)
		n, best := bestCount(trials)
		require.Equal(t, 1, n, "after trial %d", i)

		top := trials[0].TrialScore
		for _, tr := range trials {
			if tr.TrialScore > top {
				top = tr.TrialScore
			}
		}
		assert.Equal(t, top, best.TrialScore)
	}

	best, err := l.Best(ctx)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "t3", best.ID, "a tie keeps the earlier best")
}

func TestRecordReturnsFinalFlag(t *testing.T) {
	ctx := context.Background()
	l := New(database.NewMemoryStore(), nil)

	first, err := l.Record(ctx, models.TrainingTrial{ID: "a", Metrics: metrics(50, 0.1, 0.1)})
	require.NoError(t, err)
	assert.True(t, first.IsBest)

	second, err := l.Record(ctx, models.TrainingTrial{ID: "b", Metrics: metrics(20, 0.1, 0.1)})
	require.NoError(t, err)
	assert.False(t, second.IsBest)
	assert.InDelta(t, TrialScore(second.Metrics), second.TrialScore, 1e-12)
}

func TestRecordCommitFailureLeavesNoTrial(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	l := New(store, nil)
	_, err := l.Record(ctx, models.TrainingTrial{ID: "a", Metrics: metrics(50, 0.1, 0.1)})
	require.NoError(t, err)

	store.SetFailure(database.OpCommitTrials, errors.New("timeout"))
	_, err = l.Record(ctx, models.TrainingTrial{ID: "b", Metrics: metrics(99, 0, 0)})
	require.ErrorIs(t, err, models.ErrPersistence)

	trials, err := store.ReadTrials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.True(t, trials[0].IsBest, "old best untouched")
}

func TestRecentSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	l := New(store, nil)
	for _, i := range []int{2, 0, 3, 1} {
		_, err := l.Record(ctx, models.TrainingTrial{
			ID:        fmt.Sprintf("t%d", i),
			TrainedAt: time.Unix(int64(i)*60, 0),
		})
		require.NoError(t, err)
	}

	recent, err := l.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"t3", "t2", "t1"}, []string{recent[0].ID, recent[1].ID, recent[2].ID})

	all, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBestEmpty(t *testing.T) {
	best, err := New(database.NewMemoryStore(), nil).Best(context.Background())
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestSelectBest(t *testing.T) {
	assert.Equal(t, -1, SelectBest(nil))
	trials := []models.TrainingTrial{{TrialScore: 3}, {TrialScore: 9}, {TrialScore: 9}, {TrialScore: 1}}
	assert.Equal(t, 1, SelectBest(trials))

	t.Run("nan scores never win", func(t *testing.T) {
		nan := math.NaN()
		assert.Equal(t, 1, SelectBest([]models.TrainingTrial{{TrialScore: nan}, {TrialScore: 2}, {TrialScore: nan}}))
		assert.Equal(t, 2, SelectBest([]models.TrainingTrial{{TrialScore: nan}, {TrialScore: nan}, {TrialScore: -5}}))
		assert.Equal(t, 0, SelectBest([]models.TrainingTrial{{TrialScore: nan}, {TrialScore: nan}}))
	})
}
