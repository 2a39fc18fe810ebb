package training

import (
	"math"
	"math/rand/v2"

	"cropcast-backend/internal/sequence"
)

// Sample is one episode's normalized input sequence and flattened target
type Sample struct {
	EpisodeID  string
	Input      sequence.Sequence
	Target     []float64
	Registered bool
}

// Split partitions samples into train and validation sets, stratified by
// registration so both sides carry a proportional mix. The split is
// deterministic for a given seed.
func Split(samples []Sample, fraction float64, seed uint64) (train, val []Sample) {
	rng := rand.New(rand.NewPCG(seed, seed+1))

	var registered, unregistered []Sample
	for _, s := range samples {
		if s.Registered {
			registered = append(registered, s)
		} else {
			unregistered = append(unregistered, s)
		}
	}

	for _, group := range [][]Sample{registered, unregistered} {
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		n := int(math.Round(float64(len(group)) * fraction))
		if n >= len(group) {
			n = len(group) - 1
		}
		if n < 0 {
			n = 0
		}
		val = append(val, group[:n]...)
		train = append(train, group[n:]...)
	}

	// small groups can round to an empty validation set
	if len(val) == 0 && len(train) >= 2 && fraction > 0 {
		val = append(val, train[len(train)-1])
		train = train[:len(train)-1]
	}

	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	return train, val
}

func unzip(samples []Sample) ([][][]float64, [][]float64) {
	xs := make([][][]float64, len(samples))
	ys := make([][]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Input
		ys[i] = s.Target
	}
	return xs, ys
}
