package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropcast-backend/internal/models"
)

func TestRankIgnoresRegistration(t *testing.T) {
	scores := []models.CropScore{
		{CropID: "b-unregistered", Score: 80, IsRegistered: false},
		{CropID: "a-registered", Score: 80, IsRegistered: true},
		{CropID: "c", Score: 95},
		{CropID: "d", Score: 10, IsRegistered: true},
	}

	r := BuildRankings(scores)
	require.Len(t, r.Top5Overall, 4)
	assert.Equal(t, "c", r.Top5Overall[0].CropID)
	assert.Equal(t, "a-registered", r.Top5Overall[1].CropID)
	assert.Equal(t, "b-unregistered", r.Top5Overall[2].CropID)
	assert.Equal(t, "c", r.TopOverall.CropID)

	// flipping registration must not change the order
	scores[0].IsRegistered, scores[1].IsRegistered = true, false
	flipped := BuildRankings(scores)
	for i := range r.Top5Overall {
		assert.Equal(t, r.Top5Overall[i].CropID, flipped.Top5Overall[i].CropID)
	}
}

func TestBuildRankingsPools(t *testing.T) {
	var scores []models.CropScore
	for i := 0; i < 12; i++ {
		scores = append(scores, models.CropScore{
			CropID:       fmt.Sprintf("crop-%02d", i),
			Score:        i * 8,
			IsRegistered: i%3 == 0,
		})
	}

	r := BuildRankings(scores)
	assert.Len(t, r.Top5Overall, TopN)
	assert.Len(t, r.Top5Registered, 4)
	assert.Len(t, r.Top5Unregistered, TopN)
	for _, s := range r.Top5Registered {
		assert.True(t, s.IsRegistered)
	}
	for _, s := range r.Top5Unregistered {
		assert.False(t, s.IsRegistered)
	}
	assert.Equal(t, "crop-11", r.TopOverall.CropID)
	assert.Equal(t, "crop-09", r.Top5Registered[0].CropID)
}

func TestBuildRankingsEmpty(t *testing.T) {
	r := BuildRankings(nil)
	assert.Nil(t, r.TopOverall)
	assert.Empty(t, r.Top5Overall)
}

func TestAssess(t *testing.T) {
	scores := []models.CropScore{
		{Score: 80, IsRegistered: true},
		{Score: 70, IsRegistered: false},
		{Score: 75, IsRegistered: false},
	}

	q := Assess(scores, 100)
	assert.InDelta(t, 80, q.MeanRegistered, 1e-9)
	assert.InDelta(t, 72.5, q.MeanUnregistered, 1e-9)
	assert.InDelta(t, 75, q.MeanOverall, 1e-9)
	assert.InDelta(t, 50.0/3, q.ScoreVariance, 1e-9)
	assert.Equal(t, models.QualityExcellent, q.Bucket)

	assert.Equal(t, models.QualityGood, Assess(scores, 60).Bucket, "low completeness demotes")
	assert.Equal(t, models.QualityPoor, Assess([]models.CropScore{{Score: 10}}, 100).Bucket)
	assert.Equal(t, models.QualityPoor, Assess(nil, 0).Bucket)
}

func TestBucketThresholds(t *testing.T) {
	tests := []struct {
		mean, variance, completeness float64
		want                         string
	}{
		{72, 100, 100, models.QualityExcellent},
		{72, 200, 100, models.QualityGood},
		{56, 280, 100, models.QualityGood},
		{45, 900, 100, models.QualityFair},
		{45, 900, 50, models.QualityPoor},
		{20, 0, 100, models.QualityPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucket(tt.mean, tt.variance, tt.completeness),
			"mean=%v variance=%v completeness=%v", tt.mean, tt.variance, tt.completeness)
	}
}
