package scoring

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"cropcast-backend/internal/models"
)

// TopN is the length of each ranked list in a prediction record
const TopN = 5

// Rank orders scores by score descending. Ties are broken by crop ID only,
// so registration never influences the order.
func Rank(scores []models.CropScore) []models.CropScore {
	ranked := make([]models.CropScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].CropID < ranked[j].CropID
	})
	return ranked
}

// Top returns at most n of the ranked scores
func Top(ranked []models.CropScore, n int) []models.CropScore {
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return append([]models.CropScore{}, ranked...)
}

// Partition splits scores into registered and unregistered pools, preserving order
func Partition(scores []models.CropScore) (registered, unregistered []models.CropScore) {
	for _, s := range scores {
		if s.IsRegistered {
			registered = append(registered, s)
		} else {
			unregistered = append(unregistered, s)
		}
	}
	return registered, unregistered
}

// Rankings holds every list published in a prediction record
type Rankings struct {
	All              []models.CropScore
	Top5Registered   []models.CropScore
	Top5Unregistered []models.CropScore
	Top5Overall      []models.CropScore
	TopOverall       *models.CropScore
}

// BuildRankings ranks all scores and derives the per-pool lists
func BuildRankings(scores []models.CropScore) Rankings {
	ranked := Rank(scores)
	registered, unregistered := Partition(ranked)
	r := Rankings{
		All:              ranked,
		Top5Registered:   Top(registered, TopN),
		Top5Unregistered: Top(unregistered, TopN),
		Top5Overall:      Top(ranked, TopN),
	}
	if len(ranked) > 0 {
		top := ranked[0]
		r.TopOverall = &top
	}
	return r
}

// Assess derives the quality assessment for a set of scores
func Assess(scores []models.CropScore, completeness float64) models.QualityAssessment {
	registered, unregistered := Partition(scores)
	q := models.QualityAssessment{
		DataCompleteness: completeness,
		MeanRegistered:   meanScore(registered),
		MeanUnregistered: meanScore(unregistered),
		MeanOverall:      meanScore(scores),
	}
	if len(scores) > 0 {
		q.ScoreVariance = stat.PopVariance(values(scores), nil)
	}
	q.Bucket = bucket(q.MeanOverall, q.ScoreVariance, completeness)
	return q
}

var buckets = []string{models.QualityExcellent, models.QualityGood, models.QualityFair, models.QualityPoor}

func bucket(mean, variance, completeness float64) string {
	level := 3
	switch {
	case mean >= 70 && variance <= 150:
		level = 0
	case mean >= 55 && variance <= 300:
		level = 1
	case mean >= 40:
		level = 2
	}
	// incomplete input demotes one level
	if completeness < 75 && level < 3 {
		level++
	}
	return buckets[level]
}

func meanScore(scores []models.CropScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	return stat.Mean(values(scores), nil)
}

func values(scores []models.CropScore) []float64 {
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = float64(s.Score)
	}
	return out
}
