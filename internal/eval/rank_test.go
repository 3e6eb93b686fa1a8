package eval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// tableScorer assigns fixed energies to known triplets and a high default to
// everything else.
type tableScorer struct {
	energies map[knowledge.Triplet]float64
	calls    int
}

func (s *tableScorer) Score(batch []knowledge.Triplet) []float64 {
	s.calls++
	out := make([]float64, len(batch))
	for i, t := range batch {
		e, ok := s.energies[t]
		if !ok {
			e = 10
		}
		out[i] = e
	}
	return out
}

func TestComputeRank(t *testing.T) {
	energies := []float64{0.5, 0.2, 0.3, 0.2, 0.9}
	assert.Equal(t, 3, ComputeRank(energies, 2, nil))
	assert.Equal(t, 2, ComputeRank(energies, 2, []float64{0, 1, 0, 0, 0}), "observed candidates do not compete")
	assert.Equal(t, 1, ComputeRank(energies, 1, nil), "ties resolve for the target")
	assert.Equal(t, 5, ComputeRank(energies, 4, nil))
}

func TestRankerToyUniverse(t *testing.T) {
	target := knowledge.Triplet{Left: 0, Relation: 0, Right: 3}
	scorer := &tableScorer{energies: map[knowledge.Triplet]float64{target: 0.1}}
	scorer.energies[knowledge.Triplet{Left: 0, Relation: 0, Right: 2}] = 0.5
	scorer.energies[knowledge.Triplet{Left: 1, Relation: 0, Right: 3}] = 0.7
	scorer.energies[knowledge.Triplet{Left: 0, Relation: 0, Right: 4}] = 3
	facts, err := knowledge.NewFactSet([]knowledge.Triplet{target})
	require.NoError(t, err)

	r := &Ranker{Scorer: scorer, Facts: facts, NumEntities: 5}
	rep, err := r.Evaluate(context.Background(), []knowledge.Triplet{target}, 1)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, rep.LeftRanks)
	assert.Equal(t, []int{1}, rep.RightRanks)
	assert.Equal(t, 1.0, rep.MeanRank)
	assert.Equal(t, 1.0, rep.MRR)
	assert.Equal(t, 1.0, rep.Hits5)
	assert.Equal(t, 1.0, rep.Hits10)
	assert.Equal(t, 1, scorer.calls, "both directions share one scorer call")
}

func TestRankerFiltersKnownFacts(t *testing.T) {
	target := knowledge.Triplet{Left: 0, Relation: 0, Right: 3}
	other := knowledge.Triplet{Left: 0, Relation: 0, Right: 2}
	scorer := &tableScorer{energies: map[knowledge.Triplet]float64{
		target: 0.5,
		other:  0.1,
	}}
	scorer.energies[knowledge.Triplet{Left: 0, Relation: 0, Right: 4}] = 0.2

	unfiltered, err := knowledge.NewFactSet([]knowledge.Triplet{target})
	require.NoError(t, err)
	rep, err := (&Ranker{Scorer: scorer, Facts: unfiltered, NumEntities: 5}).Evaluate(context.Background(), []knowledge.Triplet{target}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, rep.RightRanks)

	filtered, err := knowledge.NewFactSet([]knowledge.Triplet{target}, []knowledge.Triplet{other})
	require.NoError(t, err)
	rep, err = (&Ranker{Scorer: scorer, Facts: filtered, NumEntities: 5}).Evaluate(context.Background(), []knowledge.Triplet{target}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, rep.RightRanks)
	assert.Equal(t, []int{1}, rep.LeftRanks)
	assert.InDelta(t, 0.5, rep.Right.MRR, 1e-12)
	assert.InDelta(t, 1.5, rep.MeanRank, 1e-12)
}

func TestRankerStride(t *testing.T) {
	test := []knowledge.Triplet{
		{Left: 0, Relation: 0, Right: 3},
		{Left: 1, Relation: 0, Right: 3},
		{Left: 0, Relation: 0, Right: 4},
	}
	facts, err := knowledge.NewFactSet(test)
	require.NoError(t, err)
	scorer := &tableScorer{}
	rep, err := (&Ranker{Scorer: scorer, Facts: facts, NumEntities: 5}).Evaluate(context.Background(), test, 2)
	require.NoError(t, err)
	assert.Len(t, rep.LeftRanks, 2)
	assert.Equal(t, 2, scorer.calls)
}

func TestRankerDegenerate(t *testing.T) {
	facts, err := knowledge.NewFactSet()
	require.NoError(t, err)
	_, err = (&Ranker{Scorer: &tableScorer{}, Facts: facts, NumEntities: 5}).Evaluate(context.Background(), nil, 1)
	assert.ErrorIs(t, err, ErrDegenerateEvaluation)
}

func TestRankerCanceled(t *testing.T) {
	facts, err := knowledge.NewFactSet()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Ranker{Scorer: &tableScorer{}, Facts: facts, NumEntities: 5}).Evaluate(ctx, []knowledge.Triplet{{Left: 0, Right: 3}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	s, err := Summarize([]int{1, 4, 20})
	require.NoError(t, err)
	assert.InDelta(t, 25.0/3, s.MeanRank, 1e-12)
	assert.InDelta(t, (1+0.25+0.05)/3, s.MRR, 1e-12)
	assert.InDelta(t, 2.0/3, s.Hits10, 1e-12)
	assert.InDelta(t, 2.0/3, s.Hits5, 1e-12)

	_, err = Summarize(nil)
	assert.ErrorIs(t, err, ErrDegenerateEvaluation)
}
