package eval

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/fairkg/internal/fairness"
	"github.com/cnclabs/fairkg/internal/metrics"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// userEmbedder embeds user u as (u, 1-u, ...) regardless of relation.
type userEmbedder struct {
	dim   int
	calls int
}

func (e *userEmbedder) Embed(ents, rels []int64) [][]float64 {
	e.calls++
	out := make([][]float64, len(ents))
	for i, u := range ents {
		row := make([]float64, e.dim)
		row[0] = float64(u)
		row[1] = 1 - float64(u)
		out[i] = row
	}
	return out
}

func auditProfiles() []knowledge.Profile {
	return []knowledge.Profile{
		{Gender: 0, Age: 1, Occupation: 3, Random: 0},
		{Gender: 1, Age: 2, Occupation: 7, Random: 1},
		{Gender: 0, Age: 5, Occupation: 3, Random: 1},
		{Gender: 1, Age: 0, Occupation: 12, Random: 0},
	}
}

func auditTest() []knowledge.Triplet {
	return []knowledge.Triplet{
		{Left: 0, Relation: 0, Right: 4},
		{Left: 1, Relation: 1, Right: 5},
		{Left: 2, Relation: 2, Right: 4},
		{Left: 3, Relation: 3, Right: 6},
		{Left: 1, Relation: 4, Right: 6},
	}
}

func TestFairnessEvaluateLogsAccuracyAndAUC(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	disc := fairness.NewDiscriminator(fairness.AttributeOf(fairness.Gender), 4, auditProfiles(), true, rng)
	emb := &userEmbedder{dim: 4}
	rec := &metrics.Recorder{}

	f := &Fairness{Scorer: emb, BatchSize: 2, Sink: rec}
	rep, err := f.Evaluate(auditTest(), disc, nil, 7)
	require.NoError(t, err)

	assert.Equal(t, 3, emb.calls)
	assert.Equal(t, 5, rep.Total)
	assert.InDelta(t, 100*float64(rep.Correct)/5, rep.Accuracy, 1e-12)
	assert.True(t, rep.HasAUC)

	acc, ok := rec.Last("gender_Valid FairD Accuracy")
	require.True(t, ok)
	assert.Equal(t, rep.Accuracy, acc)
	_, ok = rec.Last("gender_Valid FairD AUC")
	assert.True(t, ok)
	assert.Equal(t, 7, rec.Points[0].Step)
}

func TestFairnessEvaluateMulticlassSkipsAUC(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	disc := fairness.NewDiscriminator(fairness.AttributeOf(fairness.Occupation), 4, auditProfiles(), true, rng)
	rec := &metrics.Recorder{}

	f := &Fairness{Scorer: &userEmbedder{dim: 4}, Sink: metrics.Prefixed{Prefix: "Retrained_D_", Sink: rec}}
	rep, err := f.Evaluate(auditTest(), disc, nil, 1)
	require.NoError(t, err)

	assert.False(t, rep.HasAUC)
	assert.Equal(t, []string{"Retrained_D_occupation_Valid FairD Accuracy"}, rec.Names())
	// micro averaging over single-label data is accuracy
	assert.InDelta(t, rep.Accuracy/100, rep.PRF.F1, 1e-12)
}

func TestFairnessEvaluateAppliesFilters(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	attr := fairness.AttributeOf(fairness.Random)
	disc := fairness.NewDiscriminator(attr, 4, auditProfiles(), true, rng)
	filter := fairness.NewFilter(attr, 4, rng)

	emb := &userEmbedder{dim: 4}
	test := auditTest()
	users := knowledge.Lefts(test)
	plain := emb.Embed(users, knowledge.Relations(test))
	raw, err := disc.Predict(plain, users)
	require.NoError(t, err)
	through, err := filter.Apply(plain)
	require.NoError(t, err)
	filtered, err := disc.Predict(through, users)
	require.NoError(t, err)

	rep, err := (&Fairness{Scorer: emb}).Evaluate(test, disc, []fairness.Filter{filter}, 0)
	require.NoError(t, err)
	assert.Equal(t, filtered.Correct(), rep.Correct)
	assert.NotEqual(t, raw.Probs, filtered.Probs)
}

func TestFairnessEvaluateEmpty(t *testing.T) {
	disc := fairness.NewDiscriminator(fairness.AttributeOf(fairness.Age), 4, auditProfiles(), true, rand.New(rand.NewSource(1)))
	_, err := (&Fairness{Scorer: &userEmbedder{dim: 4}}).Evaluate(nil, disc, nil, 0)
	assert.ErrorIs(t, err, ErrDegenerateEvaluation)
}
