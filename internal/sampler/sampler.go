// Package sampler produces corrupted (negative) triplets for margin-ranking
// training and flags the ones that are actually observed facts.
package sampler

import (
	"math/rand"

	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// Sampler corrupts batches of user-movie triplets. It owns its scratch
// buffers, which are reused across calls; every result depends only on the
// draws made during that call.
type Sampler struct {
	numUsers  int64
	numMovies int64
	rng       *rand.Rand

	corrupted []knowledge.Triplet
	samples   []int64
}

// New returns a sampler for a graph with numUsers users followed by
// numMovies movies. rng is shared with the trainer's mask draws.
func New(numUsers, numMovies int64, rng *rand.Rand) *Sampler {
	return &Sampler{numUsers: numUsers, numMovies: numMovies, rng: rng}
}

// Corrupt copies batch and replaces the left entity of the first len/2 rows
// with a random user and the right entity of the remaining rows with a random
// movie. It also returns the drawn replacement ids in row order.
//
// Movies are drawn from [numUsers, numUsers+numMovies-1): the last movie id
// is never used as a replacement.
//
// The returned slices are only valid until the next call.
func (s *Sampler) Corrupt(batch []knowledge.Triplet) ([]knowledge.Triplet, []int64) {
	n := len(batch)
	half := n / 2

	s.corrupted = append(s.corrupted[:0], batch...)
	s.samples = s.samples[:0]

	for i := 0; i < half; i++ {
		u := s.rng.Int63n(s.numUsers)
		s.corrupted[i].Left = u
		s.samples = append(s.samples, u)
	}
	movieSpan := s.numMovies - 1
	for i := half; i < n; i++ {
		m := s.numUsers
		if movieSpan > 0 {
			m += s.rng.Int63n(movieSpan)
		}
		s.corrupted[i].Right = m
		s.samples = append(s.samples, m)
	}
	return s.corrupted, s.samples
}

// FalseNegatives returns, per triplet, 1 if it is an observed fact and 0
// otherwise.
func FalseNegatives(batch []knowledge.Triplet, facts *knowledge.FactSet) ([]float64, error) {
	mask := make([]float64, len(batch))
	for i, t := range batch {
		ok, err := facts.Contains(t)
		if err != nil {
			return nil, err
		}
		if ok {
			mask[i] = 1
		}
	}
	return mask, nil
}
