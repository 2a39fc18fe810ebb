package forecast

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// lstm is a single recurrent layer. Gate rows are stacked input, forget, cell, output.
type lstm struct {
	in, hidden int
	wx         *param // 4H x in
	wh         *param // 4H x H
	b          *param // 4H
}

// lstmStep caches one timestep's activations for backpropagation through time
type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	c, tanhC        []float64
}

func newLSTM(name string, in, hidden int, rng *rand.Rand) *lstm {
	l := &lstm{
		in:     in,
		hidden: hidden,
		wx:     newParam(name+".kernel", true, 4*hidden, in),
		wh:     newParam(name+".recurrent_kernel", true, 4*hidden, hidden),
		b:      newParam(name+".bias", false, 4*hidden),
	}
	l.wx.glorot(rng, in, 4*hidden)
	l.wh.glorot(rng, hidden, 4*hidden)
	// unit forget bias
	for r := hidden; r < 2*hidden; r++ {
		l.b.w[r] = 1
	}
	return l
}

// forward runs the sequence from zero state and returns every hidden state
func (l *lstm) forward(xs [][]float64) ([][]float64, []lstmStep) {
	H := l.hidden
	h := make([]float64, H)
	c := make([]float64, H)
	hs := make([][]float64, len(xs))
	steps := make([]lstmStep, len(xs))

	for t, x := range xs {
		z := make([]float64, 4*H)
		for r := range z {
			z[r] = l.b.w[r] +
				floats.Dot(l.wx.w[r*l.in:(r+1)*l.in], x) +
				floats.Dot(l.wh.w[r*H:(r+1)*H], h)
		}

		st := lstmStep{
			x:     x,
			hPrev: h,
			cPrev: c,
			i:     make([]float64, H),
			f:     make([]float64, H),
			g:     make([]float64, H),
			o:     make([]float64, H),
			c:     make([]float64, H),
			tanhC: make([]float64, H),
		}
		hNext := make([]float64, H)
		for k := 0; k < H; k++ {
			st.i[k] = sigmoid(z[k])
			st.f[k] = sigmoid(z[H+k])
			st.g[k] = math.Tanh(z[2*H+k])
			st.o[k] = sigmoid(z[3*H+k])
			st.c[k] = st.f[k]*c[k] + st.i[k]*st.g[k]
			st.tanhC[k] = math.Tanh(st.c[k])
			hNext[k] = st.o[k] * st.tanhC[k]
		}

		steps[t] = st
		hs[t] = hNext
		h, c = hNext, st.c
	}
	return hs, steps
}

// backward takes dL/dh for each timestep (nil entries are zero), accumulates
// parameter gradients and returns dL/dx for each timestep.
func (l *lstm) backward(steps []lstmStep, dhs [][]float64) [][]float64 {
	H := l.hidden
	dxs := make([][]float64, len(steps))
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dz := make([]float64, 4*H)

	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		dh := dhNext
		if dhs[t] != nil {
			dh = make([]float64, H)
			floats.AddTo(dh, dhNext, dhs[t])
		}

		for k := 0; k < H; k++ {
			dc := dcNext[k] + dh[k]*st.o[k]*(1-st.tanhC[k]*st.tanhC[k])
			do := dh[k] * st.tanhC[k]
			di := dc * st.g[k]
			dg := dc * st.i[k]
			df := dc * st.cPrev[k]
			dcNext[k] = dc * st.f[k]

			dz[k] = di * st.i[k] * (1 - st.i[k])
			dz[H+k] = df * st.f[k] * (1 - st.f[k])
			dz[2*H+k] = dg * (1 - st.g[k]*st.g[k])
			dz[3*H+k] = do * st.o[k] * (1 - st.o[k])
		}

		dx := make([]float64, l.in)
		dhPrev := make([]float64, H)
		for r, d := range dz {
			if d == 0 {
				continue
			}
			l.b.g[r] += d
			floats.AddScaled(l.wx.g[r*l.in:(r+1)*l.in], d, st.x)
			floats.AddScaled(l.wh.g[r*H:(r+1)*H], d, st.hPrev)
			floats.AddScaled(dx, d, l.wx.w[r*l.in:(r+1)*l.in])
			floats.AddScaled(dhPrev, d, l.wh.w[r*H:(r+1)*H])
		}
		dxs[t] = dx
		dhNext = dhPrev
	}
	return dxs
}

func (l *lstm) params() []*param {
	return []*param{l.wx, l.wh, l.b}
}
