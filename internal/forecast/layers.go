package forecast

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// dense is a fully connected layer, W is out x in row-major
type dense struct {
	in, out int
	w, b    *param
}

func newDense(name string, in, out int, rng *rand.Rand) *dense {
	d := &dense{
		in:  in,
		out: out,
		w:   newParam(name+".kernel", true, out, in),
		b:   newParam(name+".bias", false, out),
	}
	d.w.glorot(rng, in, out)
	return d
}

func (d *dense) forward(x []float64) []float64 {
	y := make([]float64, d.out)
	for r := 0; r < d.out; r++ {
		y[r] = d.b.w[r] + floats.Dot(d.w.w[r*d.in:(r+1)*d.in], x)
	}
	return y
}

// backward accumulates parameter gradients and returns dL/dx
func (d *dense) backward(x, dy []float64) []float64 {
	dx := make([]float64, d.in)
	for r := 0; r < d.out; r++ {
		if dy[r] == 0 {
			continue
		}
		d.b.g[r] += dy[r]
		floats.AddScaled(d.w.g[r*d.in:(r+1)*d.in], dy[r], x)
		floats.AddScaled(dx, dy[r], d.w.w[r*d.in:(r+1)*d.in])
	}
	return dx
}

func (d *dense) params() []*param {
	return []*param{d.w, d.b}
}

// batchNorm normalizes each feature over the rows of a batch
type batchNorm struct {
	n           int
	gamma, beta *param
	movingMean  []float64
	movingVar   []float64
	momentum    float64
	eps         float64
}

type bnCache struct {
	xhat   [][]float64
	invStd []float64
}

func newBatchNorm(name string, n int) *batchNorm {
	bn := &batchNorm{
		n:          n,
		gamma:      newParam(name+".gamma", false, n),
		beta:       newParam(name+".beta", false, n),
		movingMean: make([]float64, n),
		movingVar:  make([]float64, n),
		momentum:   0.99,
		eps:        1e-3,
	}
	bn.gamma.fill(1)
	for i := range bn.movingVar {
		bn.movingVar[i] = 1
	}
	return bn
}

func (bn *batchNorm) forwardTrain(rows [][]float64) ([][]float64, *bnCache) {
	count := float64(len(rows))
	mean := make([]float64, bn.n)
	variance := make([]float64, bn.n)
	for _, row := range rows {
		floats.Add(mean, row)
	}
	floats.Scale(1/count, mean)
	for _, row := range rows {
		for j, x := range row {
			d := x - mean[j]
			variance[j] += d * d
		}
	}
	floats.Scale(1/count, variance)

	cache := &bnCache{
		xhat:   make([][]float64, len(rows)),
		invStd: make([]float64, bn.n),
	}
	for j := range variance {
		cache.invStd[j] = 1 / math.Sqrt(variance[j]+bn.eps)
		bn.movingMean[j] = bn.momentum*bn.movingMean[j] + (1-bn.momentum)*mean[j]
		bn.movingVar[j] = bn.momentum*bn.movingVar[j] + (1-bn.momentum)*variance[j]
	}

	out := make([][]float64, len(rows))
	for i, row := range rows {
		xhat := make([]float64, bn.n)
		y := make([]float64, bn.n)
		for j, x := range row {
			xhat[j] = (x - mean[j]) * cache.invStd[j]
			y[j] = bn.gamma.w[j]*xhat[j] + bn.beta.w[j]
		}
		cache.xhat[i] = xhat
		out[i] = y
	}
	return out, cache
}

func (bn *batchNorm) forwardInfer(x []float64) []float64 {
	y := make([]float64, bn.n)
	for j, v := range x {
		y[j] = bn.gamma.w[j]*(v-bn.movingMean[j])/math.Sqrt(bn.movingVar[j]+bn.eps) + bn.beta.w[j]
	}
	return y
}

func (bn *batchNorm) backward(c *bnCache, dy [][]float64) [][]float64 {
	count := float64(len(dy))
	sumD := make([]float64, bn.n)
	sumDX := make([]float64, bn.n)
	for i, row := range dy {
		for j, g := range row {
			bn.beta.g[j] += g
			bn.gamma.g[j] += g * c.xhat[i][j]
			d := g * bn.gamma.w[j]
			sumD[j] += d
			sumDX[j] += d * c.xhat[i][j]
		}
	}

	dx := make([][]float64, len(dy))
	for i, row := range dy {
		out := make([]float64, bn.n)
		for j, g := range row {
			d := g * bn.gamma.w[j]
			out[j] = c.invStd[j] / count * (count*d - sumD[j] - c.xhat[i][j]*sumDX[j])
		}
		dx[i] = out
	}
	return dx
}

func (bn *batchNorm) params() []*param {
	return []*param{bn.gamma, bn.beta}
}

// dropoutMask returns an inverted-dropout mask, or nil when rate is 0
func dropoutMask(rng *rand.Rand, n int, rate float64) []float64 {
	if rate <= 0 {
		return nil
	}
	keep := 1 - rate
	mask := make([]float64, n)
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}

// applyMask multiplies x by mask in place; a nil mask is the identity
func applyMask(x, mask []float64) []float64 {
	if mask != nil {
		floats.Mul(x, mask)
	}
	return x
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func relu(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}
