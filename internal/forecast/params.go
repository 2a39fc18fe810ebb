package forecast

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// param is one trainable tensor with its gradient and Adam moments
type param struct {
	name  string
	shape []int
	w     []float64
	g     []float64
	m     []float64
	v     []float64
	decay bool // subject to L2 regularization
}

func newParam(name string, decay bool, shape ...int) *param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &param{
		name:  name,
		shape: shape,
		w:     make([]float64, n),
		g:     make([]float64, n),
		m:     make([]float64, n),
		v:     make([]float64, n),
		decay: decay,
	}
}

// glorot fills the tensor with Glorot-uniform values
func (p *param) glorot(rng *rand.Rand, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.w {
		p.w[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (p *param) fill(v float64) {
	for i := range p.w {
		p.w[i] = v
	}
}

func (p *param) zeroGrad() {
	for i := range p.g {
		p.g[i] = 0
	}
}

// Hyperparams control the optimizer and regularization
type Hyperparams struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	L2           float64 // kernel regularization factor
	ClipNorm     float64 // global gradient norm cap, 0 disables
}

// DefaultHyperparams returns the production optimizer settings
func DefaultHyperparams() Hyperparams {
	return Hyperparams{
		LearningRate: 3e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		L2:           1e-4,
		ClipNorm:     1.0,
	}
}

// adam applies bias-corrected Adam updates to a set of params
type adam struct {
	hp Hyperparams
	t  int
}

func (a *adam) step(params []*param) {
	a.t++
	b1t := 1 - math.Pow(a.hp.Beta1, float64(a.t))
	b2t := 1 - math.Pow(a.hp.Beta2, float64(a.t))
	lr := a.hp.LearningRate * math.Sqrt(b2t) / b1t

	for _, p := range params {
		for i, g := range p.g {
			p.m[i] = a.hp.Beta1*p.m[i] + (1-a.hp.Beta1)*g
			p.v[i] = a.hp.Beta2*p.v[i] + (1-a.hp.Beta2)*g*g
			p.w[i] -= lr * p.m[i] / (math.Sqrt(p.v[i]) + a.hp.Epsilon)
		}
	}
}

// regularize adds the L2 penalty gradient and returns the penalty value
func regularize(params []*param, l2 float64) float64 {
	if l2 == 0 {
		return 0
	}
	penalty := 0.0
	for _, p := range params {
		if !p.decay {
			continue
		}
		penalty += l2 * floats.Dot(p.w, p.w)
		floats.AddScaled(p.g, 2*l2, p.w)
	}
	return penalty
}

// clipGradients rescales all gradients so their global L2 norm is at most maxNorm
func clipGradients(params []*param, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		total += floats.Dot(p.g, p.g)
	}
	norm := math.Sqrt(total)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, p := range params {
			floats.Scale(scale, p.g)
		}
	}
	return norm
}
