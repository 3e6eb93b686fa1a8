package sampler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/fairkg/pkg/knowledge"
)

func positives(n int, numUsers int64) []knowledge.Triplet {
	out := make([]knowledge.Triplet, n)
	for i := range out {
		out[i] = knowledge.Triplet{Left: int64(i) % numUsers, Relation: int64(i % 5), Right: numUsers + int64(i%7)}
	}
	return out
}

func TestCorruptKeepsIDRanges(t *testing.T) {
	const numUsers, numMovies = 10, 8
	s := New(numUsers, numMovies, rand.New(rand.NewSource(1)))

	for _, n := range []int{1, 2, 7, 64} {
		batch := positives(n, numUsers)
		orig := append([]knowledge.Triplet(nil), batch...)
		for round := 0; round < 50; round++ {
			neg, samples := s.Corrupt(batch)
			require.Len(t, neg, n)
			require.Len(t, samples, n)
			half := n / 2
			for i, tr := range neg {
				if i < half {
					assert.GreaterOrEqual(t, tr.Left, int64(0))
					assert.Less(t, tr.Left, int64(numUsers))
					assert.Equal(t, orig[i].Right, tr.Right)
					assert.Equal(t, samples[i], tr.Left)
				} else {
					assert.GreaterOrEqual(t, tr.Right, int64(numUsers))
					assert.Less(t, tr.Right, int64(numUsers+numMovies-1), "last movie is excluded")
					assert.Equal(t, orig[i].Left, tr.Left)
					assert.Equal(t, samples[i], tr.Right)
				}
				assert.Equal(t, orig[i].Relation, tr.Relation)
			}
		}
		assert.Equal(t, orig, batch, "positives are never modified in place")
	}
}

func TestCorruptIsSeeded(t *testing.T) {
	batch := positives(16, 10)
	a, _ := New(10, 8, rand.New(rand.NewSource(42))).Corrupt(batch)
	b, _ := New(10, 8, rand.New(rand.NewSource(42))).Corrupt(batch)
	assert.Equal(t, a, b)
}

func TestFalseNegatives(t *testing.T) {
	facts, err := knowledge.NewFactSet([]knowledge.Triplet{
		{Left: 0, Relation: 1, Right: 5},
		{Left: 2, Relation: 0, Right: 6},
		{Left: 3, Relation: 4, Right: 7},
	})
	require.NoError(t, err)

	batch := []knowledge.Triplet{
		{Left: 0, Relation: 1, Right: 5},
		{Left: 0, Relation: 1, Right: 6},
		{Left: 3, Relation: 4, Right: 7},
		{Left: 2, Relation: 1, Right: 6},
	}
	mask, err := FalseNegatives(batch, facts)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 1, 0}, mask)

	_, err = FalseNegatives([]knowledge.Triplet{{Left: -1}}, facts)
	assert.ErrorIs(t, err, knowledge.ErrEncoding)
}
