package training

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/models"
)

// fit trains model one epoch at a time, keeping the best validation weights.
// A regressing epoch restores the best snapshot before the next epoch starts.
func (t *Trainer) fit(ctx context.Context, model *forecast.Model, train, val []Sample) (models.TrainingMetrics, error) {
	trainX, trainY := unzip(train)
	valX, valY := unzip(val)
	if len(val) == 0 {
		valX, valY = trainX, trainY
	}

	best := math.Inf(1)
	var bestWeights *forecast.Weights
	bestEpoch, stale, epoch := 0, 0, 0
	trainLoss := 0.0

	for epoch = 1; epoch <= t.config.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return models.TrainingMetrics{}, fmt.Errorf("training interrupted at epoch %d: %w", epoch, err)
		}

		trainLoss = model.FitEpoch(trainX, trainY, t.config.BatchSize)
		valLoss := model.Loss(valX, valY)

		restored := false
		if valLoss < best-t.config.MinDelta {
			best = valLoss
			bestWeights = model.Snapshot()
			bestEpoch = epoch
			stale = 0
		} else {
			stale++
			if bestWeights != nil {
				if err := model.Restore(bestWeights); err != nil {
					return models.TrainingMetrics{}, fmt.Errorf("failed to restore best weights: %w", err)
				}
				restored = true
			}
		}

		if t.onProgress != nil {
			t.onProgress(EpochProgress{
				Epoch:       epoch,
				MaxEpochs:   t.config.MaxEpochs,
				TrainLoss:   trainLoss,
				ValLoss:     valLoss,
				BestValLoss: best,
				Restored:    restored,
			})
		}
		if epoch%10 == 0 {
			t.log.Debugf("Trainer: epoch %d train=%.5f val=%.5f best=%.5f", epoch, trainLoss, valLoss, best)
		}

		if stale >= t.config.Patience {
			t.log.Infof("Trainer: early stop at epoch %d, best epoch %d", epoch, bestEpoch)
			break
		}
	}
	if epoch > t.config.MaxEpochs {
		epoch = t.config.MaxEpochs
	}

	metrics := Evaluate(model, valX, valY, t.config.Tolerance)
	metrics.TrainLoss = trainLoss
	metrics.ValLoss = model.Loss(valX, valY)
	metrics.Epochs = epoch
	metrics.BestEpoch = bestEpoch
	metrics.TrainSamples = len(train)
	metrics.ValSamples = len(val)
	return metrics, nil
}

// Evaluate computes MAE, RMSE and accuracy over every forecast element in
// normalized space. Accuracy is the percentage of elements within tolerance.
func Evaluate(model *forecast.Model, xs [][][]float64, ys [][]float64, tolerance float64) models.TrainingMetrics {
	var absErr, sqErr []float64
	within := 0
	for i, x := range xs {
		diff := model.Predict(x)
		floats.Sub(diff, ys[i])
		for _, d := range diff {
			a := math.Abs(d)
			absErr = append(absErr, a)
			sqErr = append(sqErr, d*d)
			if a <= tolerance {
				within++
			}
		}
	}
	if len(absErr) == 0 {
		return models.TrainingMetrics{}
	}

	n := float64(len(absErr))
	return models.TrainingMetrics{
		MAE:      floats.Sum(absErr) / n,
		RMSE:     math.Sqrt(floats.Sum(sqErr) / n),
		Accuracy: 100 * float64(within) / n,
	}
}
