package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"cropcast-backend/internal/models"
)

const (
	// DefaultDecay is the divergence penalty for most channels
	DefaultDecay = 3.0
	// LightDecay gives light readings a wider tolerance
	LightDecay = 1.5

	MaxCompletenessBonus = 5.0
	MaxConsistencyBonus  = 10.0
	CriticalBonusShare   = 0.10
	PoorMatchThreshold   = 20.0
	PoorMatchPenalty     = 5.0
)

// Weights is the contribution of each channel to the weighted average
var Weights = map[models.Channel]float64{
	models.Temperature: 0.20,
	models.Moisture:    0.16,
	models.Nitrogen:    0.13,
	models.Phosphorus:  0.13,
	models.Potassium:   0.13,
	models.Humidity:    0.11,
	models.PH:          0.10,
	models.Light:       0.04,
}

// Match scores how close actual is to optimal on a (0,100] scale.
// It returns nil when either side is missing and 0 when the optimum is 0.
func Match(optimal, actual *float64, ch models.Channel) *float64 {
	if optimal == nil || actual == nil {
		return nil
	}
	if *optimal == 0 {
		return models.Float(0)
	}

	alpha := DefaultDecay
	if ch == models.Light {
		alpha = LightDecay
	}
	relative := math.Abs(*actual-*optimal) / math.Abs(*optimal)
	return models.Float(100 / (1 + alpha*relative))
}

// Suitability combines per-channel matches into an integer score in [0,100]
func Suitability(matches map[models.Channel]*float64) int {
	var present []float64
	weighted, weightSum := 0.0, 0.0
	poor := false
	for _, ch := range models.AllChannels {
		m := matches[ch]
		if m == nil {
			continue
		}
		present = append(present, *m)
		weighted += Weights[ch] * *m
		weightSum += Weights[ch]
		if *m < PoorMatchThreshold {
			poor = true
		}
	}
	if len(present) == 0 || weightSum == 0 {
		return 0
	}

	score := weighted / weightSum
	score += MaxCompletenessBonus * float64(len(present)) / float64(models.NumChannels)
	score += MaxConsistencyBonus / (1 + stat.PopVariance(present, nil)/100)
	score += CriticalBonusShare * criticalMean(matches)
	if poor {
		score -= PoorMatchPenalty
	}
	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// criticalMean averages the temperature and pH matches that are present
func criticalMean(matches map[models.Channel]*float64) float64 {
	var vals []float64
	for _, ch := range []models.Channel{models.Temperature, models.PH} {
		if m := matches[ch]; m != nil {
			vals = append(vals, *m)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// ScoreCrop matches a crop profile against a representative future aggregate
func ScoreCrop(crop models.CropProfile, conditions map[models.Channel]float64) models.CropScore {
	matches := make(map[models.Channel]*float64, models.NumChannels)
	for _, ch := range models.AllChannels {
		var optimal, actual *float64
		if v, ok := crop.Optimal[ch]; ok {
			optimal = models.Float(v)
		}
		if v, ok := conditions[ch]; ok {
			actual = models.Float(v)
		}
		matches[ch] = Match(optimal, actual, ch)
	}
	return models.CropScore{
		CropID:       crop.ID,
		Name:         crop.Name,
		IsRegistered: crop.IsRegistered,
		Score:        Suitability(matches),
		Matches:      matches,
	}
}

// ScoreAll scores every crop profile
func ScoreAll(crops []models.CropProfile, conditions map[models.Channel]float64) []models.CropScore {
	scores := make([]models.CropScore, 0, len(crops))
	for _, crop := range crops {
		scores = append(scores, ScoreCrop(crop, conditions))
	}
	return scores
}
