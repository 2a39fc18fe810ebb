package forecast

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Architecture fixes the layer sizes of the forecasting network
type Architecture struct {
	InputSize int     `json:"input_size"`
	SeqLen    int     `json:"seq_len"`
	Horizon   int     `json:"horizon"`
	LSTM1     int     `json:"lstm1"`
	LSTM2     int     `json:"lstm2"`
	Dense     int     `json:"dense"`
	Dropout1  float64 `json:"dropout1"`
	Dropout2  float64 `json:"dropout2"`
	Dropout3  float64 `json:"dropout3"`
}

// DefaultArchitecture returns the production network shape
func DefaultArchitecture() Architecture {
	return Architecture{
		InputSize: 8,
		SeqLen:    7,
		Horizon:   7,
		LSTM1:     128,
		LSTM2:     64,
		Dense:     32,
		Dropout1:  0.3,
		Dropout2:  0.25,
		Dropout3:  0.2,
	}
}

// OutputSize is the flattened forecast width (horizon x channels)
func (a Architecture) OutputSize() int {
	return a.Horizon * a.InputSize
}

// Signature identifies the architecture inside a saved artifact
func (a Architecture) Signature() string {
	return fmt.Sprintf("seq%dx%d|lstm%d-bn-do%.2f|lstm%d-bn-do%.2f|dense%d-relu-do%.2f|dense%d",
		a.SeqLen, a.InputSize, a.LSTM1, a.Dropout1, a.LSTM2, a.Dropout2, a.Dense, a.Dropout3, a.OutputSize())
}

// Metadata is stored alongside the weights
type Metadata struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	Architecture string    `json:"architecture"`
	Trained      bool      `json:"trained"`
}

// Model is the recurrent sequence-to-vector forecaster.
// Predict is safe for concurrent use; training methods are not.
type Model struct {
	arch Architecture
	hp   Hyperparams

	l1, l2   *lstm
	bn1, bn2 *batchNorm
	hidden   *dense
	out      *dense

	params []*param
	opt    *adam
	rng    *rand.Rand
	meta   Metadata
}

// New builds a freshly initialized, untrained model
func New(arch Architecture, hp Hyperparams, seed uint64) *Model {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	m := &Model{
		arch:   arch,
		hp:     hp,
		l1:     newLSTM("lstm_1", arch.InputSize, arch.LSTM1, rng),
		bn1:    newBatchNorm("batch_norm_1", arch.LSTM1),
		l2:     newLSTM("lstm_2", arch.LSTM1, arch.LSTM2, rng),
		bn2:    newBatchNorm("batch_norm_2", arch.LSTM2),
		hidden: newDense("dense_1", arch.LSTM2, arch.Dense, rng),
		out:    newDense("forecast", arch.Dense, arch.OutputSize(), rng),
		opt:    &adam{hp: hp},
		rng:    rng,
		meta: Metadata{
			Version:      "untrained",
			Architecture: arch.Signature(),
		},
	}
	for _, group := range [][]*param{
		m.l1.params(), m.bn1.params(),
		m.l2.params(), m.bn2.params(),
		m.hidden.params(), m.out.params(),
	} {
		m.params = append(m.params, group...)
	}
	return m
}

// Architecture returns the network shape
func (m *Model) Architecture() Architecture {
	return m.arch
}

// Metadata returns version information
func (m *Model) Metadata() Metadata {
	return m.meta
}

// Trained reports whether the weights came from a completed fit
func (m *Model) Trained() bool {
	return m.meta.Trained
}

// MarkTrained stamps the model after a completed fit
func (m *Model) MarkTrained(at time.Time) {
	m.meta = Metadata{
		Version:      "lstm-" + at.UTC().Format("20060102T150405"),
		TrainedAt:    at,
		Architecture: m.arch.Signature(),
		Trained:      true,
	}
}

// Predict runs an inference pass over one normalized sequence (SeqLen x InputSize)
// and returns the flattened normalized forecast.
func (m *Model) Predict(seq [][]float64) []float64 {
	hs1, _ := m.l1.forward(seq)
	for t := range hs1 {
		hs1[t] = m.bn1.forwardInfer(hs1[t])
	}
	hs2, _ := m.l2.forward(hs1)
	h := m.bn2.forwardInfer(hs2[len(hs2)-1])
	return m.out.forward(relu(m.hidden.forward(h)))
}

// Loss returns the inference-mode mean squared error over a set of samples
func (m *Model) Loss(xs [][][]float64, ys [][]float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for i, x := range xs {
		total += mse(m.Predict(x), ys[i])
	}
	return total / float64(len(xs))
}

// FitEpoch shuffles the samples, trains one pass of mini-batches and returns
// the mean training loss.
func (m *Model) FitEpoch(xs [][][]float64, ys [][]float64, batchSize int) float64 {
	if len(xs) == 0 {
		return 0
	}
	if batchSize <= 0 {
		batchSize = len(xs)
	}
	order := m.rng.Perm(len(xs))

	total := 0.0
	batches := 0
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		bx := make([][][]float64, 0, end-start)
		by := make([][]float64, 0, end-start)
		for _, idx := range order[start:end] {
			bx = append(bx, xs[idx])
			by = append(by, ys[idx])
		}
		total += m.TrainBatch(bx, by)
		batches++
	}
	return total / float64(batches)
}

// TrainBatch performs one optimizer step and returns the batch MSE
func (m *Model) TrainBatch(xs [][][]float64, ys [][]float64) float64 {
	loss := m.computeGradients(xs, ys)
	regularize(m.params, m.hp.L2)
	clipGradients(m.params, m.hp.ClipNorm)
	m.opt.step(m.params)
	return loss
}

// computeGradients runs a training-mode forward and backward pass, leaving
// gradients of the data loss in every param.
func (m *Model) computeGradients(xs [][][]float64, ys [][]float64) float64 {
	for _, p := range m.params {
		p.zeroGrad()
	}
	B := len(xs)
	T := len(xs[0])
	O := m.arch.OutputSize()

	// lstm_1 over every sample, batch-norm over all (sample, step) rows
	steps1 := make([][]lstmStep, B)
	rows1 := make([][]float64, 0, B*T)
	for b, x := range xs {
		hs, st := m.l1.forward(x)
		steps1[b] = st
		rows1 = append(rows1, hs...)
	}
	norm1, cache1 := m.bn1.forwardTrain(rows1)
	masks1 := make([][]float64, len(norm1))
	for i := range norm1 {
		masks1[i] = dropoutMask(m.rng, m.arch.LSTM1, m.arch.Dropout1)
		applyMask(norm1[i], masks1[i])
	}

	// lstm_2 collapses each sequence to its last hidden state
	steps2 := make([][]lstmStep, B)
	last := make([][]float64, B)
	for b := 0; b < B; b++ {
		hs, st := m.l2.forward(norm1[b*T : (b+1)*T])
		steps2[b] = st
		last[b] = hs[T-1]
	}
	norm2, cache2 := m.bn2.forwardTrain(last)

	masks2 := make([][]float64, B)
	pre := make([][]float64, B)
	act := make([][]float64, B)
	masks3 := make([][]float64, B)
	preds := make([][]float64, B)
	for b := 0; b < B; b++ {
		masks2[b] = dropoutMask(m.rng, m.arch.LSTM2, m.arch.Dropout2)
		applyMask(norm2[b], masks2[b])
		pre[b] = m.hidden.forward(norm2[b])
		act[b] = relu(pre[b])
		masks3[b] = dropoutMask(m.rng, m.arch.Dense, m.arch.Dropout3)
		applyMask(act[b], masks3[b])
		preds[b] = m.out.forward(act[b])
	}

	loss := 0.0
	scale := 2 / float64(B*O)
	dNorm2 := make([][]float64, B)
	for b := 0; b < B; b++ {
		dOut := make([]float64, O)
		for j := range dOut {
			diff := preds[b][j] - ys[b][j]
			loss += diff * diff
			dOut[j] = scale * diff
		}
		dAct := applyMask(m.out.backward(act[b], dOut), masks3[b])
		for j := range dAct {
			if pre[b][j] <= 0 {
				dAct[j] = 0
			}
		}
		dNorm2[b] = applyMask(m.hidden.backward(norm2[b], dAct), masks2[b])
	}
	loss /= float64(B * O)

	dLast := m.bn2.backward(cache2, dNorm2)
	dRows1 := make([][]float64, 0, B*T)
	for b := 0; b < B; b++ {
		dhs := make([][]float64, T)
		dhs[T-1] = dLast[b]
		dRows1 = append(dRows1, m.l2.backward(steps2[b], dhs)...)
	}
	for i := range dRows1 {
		applyMask(dRows1[i], masks1[i])
	}
	dHs1 := m.bn1.backward(cache1, dRows1)
	for b := 0; b < B; b++ {
		m.l1.backward(steps1[b], dHs1[b*T:(b+1)*T])
	}
	return loss
}

func mse(pred, target []float64) float64 {
	total := 0.0
	for i := range pred {
		d := pred[i] - target[i]
		total += d * d
	}
	return total / float64(len(pred))
}
