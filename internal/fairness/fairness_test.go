package fairness

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/fairkg/internal/nn"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// shiftFilter adds a constant to every coordinate.
type shiftFilter struct {
	attr  Attribute
	shift float64
}

func (f shiftFilter) Attribute() Attribute               { return f.attr }
func (f shiftFilter) SetOptimizer(string, float64) error { return nil }
func (f shiftFilter) Freeze()                            {}
func (f shiftFilter) Params() []*nn.Param                { return nil }
func (f shiftFilter) SetParams([]*nn.Param) error        { return nil }
func (f shiftFilter) Apply(emb [][]float64) ([][]float64, error) {
	out, _, err := f.Forward(emb)
	return out, err
}
func (f shiftFilter) Forward(emb [][]float64) ([][]float64, func([][]float64) ([][]float64, error), error) {
	out := zerosLike(emb)
	for i := range emb {
		for j := range emb[i] {
			out[i][j] = emb[i][j] + f.shift
		}
	}
	return out, func(d [][]float64) ([][]float64, error) { return d, nil }, nil
}

func TestCombineSumsFilterOutputs(t *testing.T) {
	emb := [][]float64{{0, 1}, {2, -1}}
	plusOne := shiftFilter{attr: AttributeOf(Gender), shift: 1}
	plusTwo := shiftFilter{attr: AttributeOf(Age), shift: 2}

	ab, err := Combine([]Filter{plusOne, plusTwo}, emb)
	require.NoError(t, err)
	ba, err := Combine([]Filter{plusTwo, plusOne}, emb)
	require.NoError(t, err)
	want := [][]float64{{0 + 1 + 0 + 2, 1 + 1 + 1 + 2}, {2 + 1 + 2 + 2, -1 + 1 - 1 + 2}}
	assert.Equal(t, want, ab.Out, "outputs are summed, not composed")
	assert.Equal(t, ab.Out, ba.Out)
	all, err := ApplyAll([]Filter{plusTwo, plusOne}, emb)
	require.NoError(t, err)
	assert.Equal(t, ab.Out, all)

	// composition e -> e+1 -> e+3 would give {3, 4}; summation gives 2e+3
	assert.NotEqual(t, []float64{3, 4}, ab.Out[0])
}

func TestCombineWithoutFiltersIsIdentity(t *testing.T) {
	emb := [][]float64{{0.5, 1}}
	c, err := Combine(nil, emb)
	require.NoError(t, err)
	assert.Equal(t, emb, c.Out)
	d := [][]float64{{1, 2}}
	dIn, err := c.Backward(d)
	require.NoError(t, err)
	assert.Equal(t, d, dIn)
	out, err := ApplyAll(nil, emb)
	require.NoError(t, err)
	assert.Equal(t, emb, out)
}

func TestCombinedBackwardSumsFilterGradients(t *testing.T) {
	emb := [][]float64{{1, 2}}
	c, err := Combine([]Filter{shiftFilter{shift: 1}, shiftFilter{shift: 5}}, emb)
	require.NoError(t, err)
	dIn, err := c.Backward([][]float64{{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 2}}, dIn)
}

func profiles() []knowledge.Profile {
	return []knowledge.Profile{
		{Gender: 0, Age: 1, Occupation: 4, Random: 1},
		{Gender: 1, Age: 3, Occupation: 20, Random: 0},
		{Gender: 1, Age: 6, Occupation: 0, Random: 1},
	}
}

func TestDiscriminatorLabelsFollowAttribute(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	users := []int64{2, 0, 1}
	cases := map[Kind][]int{
		Gender:     {1, 0, 1},
		Occupation: {0, 4, 20},
		Age:        {6, 1, 3},
		Random:     {1, 1, 0},
	}
	for kind, want := range cases {
		d := NewDiscriminator(AttributeOf(kind), 4, profiles(), true, rng)
		assert.Equal(t, want, d.Labels(users), AttributeOf(kind).Name)
	}
}

func TestDiscriminatorInputGradient(t *testing.T) {
	users := []int64{0, 1, 2}
	emb := [][]float64{{0.1, -0.3, 0.2}, {0.5, 0.4, -0.1}, {-0.2, 0.3, 0.6}}
	for _, ce := range []bool{true, false} {
		for _, kind := range []Kind{Gender, Age} {
			d := NewDiscriminator(AttributeOf(kind), 3, profiles(), ce, rand.New(rand.NewSource(5)))
			j, err := d.Penalty(emb, users)
			require.NoError(t, err)
			loss, err := d.Loss(emb, users)
			require.NoError(t, err)
			assert.InDelta(t, loss, j.Loss, 1e-12)

			const h = 1e-6
			for i := range emb {
				for k := range emb[i] {
					orig := emb[i][k]
					emb[i][k] = orig + h
					up, err := d.Loss(emb, users)
					require.NoError(t, err)
					emb[i][k] = orig - h
					down, err := d.Loss(emb, users)
					require.NoError(t, err)
					emb[i][k] = orig
					assert.InDelta(t, (up-down)/(2*h), j.Grad[i][k], 1e-6, "ce=%v kind=%v", ce, kind)
				}
			}
		}
	}
}

func TestPenaltyGradientPrecedesUpdate(t *testing.T) {
	users := []int64{0, 1, 2}
	emb := [][]float64{{0.1, -0.3}, {0.5, 0.4}, {-0.2, 0.3}}
	still := NewDiscriminator(AttributeOf(Gender), 2, profiles(), true, rand.New(rand.NewSource(4)))
	moving := NewDiscriminator(AttributeOf(Gender), 2, profiles(), true, rand.New(rand.NewSource(4)))
	require.NoError(t, moving.SetOptimizer("SGD", 0.5))
	before := moving.Params()

	want, err := still.Penalty(emb, users)
	require.NoError(t, err)
	got, err := moving.Penalty(emb, users)
	require.NoError(t, err)
	assert.InDelta(t, want.Loss, got.Loss, 1e-12)
	for i := range emb {
		assert.InDeltaSlice(t, want.Grad[i], got.Grad[i], 1e-12)
	}
	assert.Equal(t, before, still.Params(), "no optimizer, no update")
	assert.NotEqual(t, before, moving.Params())
}

func TestDiscriminatorLearnsSeparableAttribute(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	d := NewDiscriminator(AttributeOf(Gender), 2, profiles(), true, rng)
	require.NoError(t, d.SetOptimizer("adam", 0.01))

	users := []int64{0, 1, 2}
	emb := [][]float64{{-1, 0}, {1, 0}, {1, 0.2}}
	first, err := d.Loss(emb, users)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := d.Penalty(emb, users)
		require.NoError(t, err)
	}
	last, err := d.Loss(emb, users)
	require.NoError(t, err)
	assert.Less(t, last, first)
	assert.Greater(t, d.Accuracy(), 0.5)

	pred, err := d.Predict(emb, users)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1}, pred.Preds)
	assert.Equal(t, 3, pred.Correct())
	for _, p := range pred.Probs {
		assert.True(t, p >= 0 && p <= 1)
	}
}

func TestMulticlassPredictionProbabilities(t *testing.T) {
	d := NewDiscriminator(AttributeOf(Occupation), 3, profiles(), true, rand.New(rand.NewSource(2)))
	pred, err := d.Predict([][]float64{{1, 2, 3}}, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []int{20}, pred.Labels)
	assert.GreaterOrEqual(t, pred.Preds[0], 0)
	assert.Less(t, pred.Preds[0], knowledge.NumOccupations)
	assert.Greater(t, pred.Probs[0], 1.0/float64(knowledge.NumOccupations)-1e-9)
}

func TestDiscriminatorParamsRoundTrip(t *testing.T) {
	src := NewDiscriminator(AttributeOf(Age), 3, profiles(), false, rand.New(rand.NewSource(6)))
	dst := NewDiscriminator(AttributeOf(Age), 3, profiles(), false, rand.New(rand.NewSource(7)))
	require.NoError(t, dst.SetParams(src.Params()))
	assert.Equal(t, src.Params(), dst.Params())

	emb := [][]float64{{0.3, -1, 2}}
	a, err := src.Predict(emb, []int64{0})
	require.NoError(t, err)
	b, err := dst.Predict(emb, []int64{0})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Error(t, dst.SetParams(src.Params()[:1]))
}

func TestMaskSelection(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := NewSet()
	require.NoError(t, s.Enable(NewDiscriminator(AttributeOf(Gender), 2, profiles(), true, rng), "adam", 0.01))
	require.NoError(t, s.Enable(NewDiscriminator(AttributeOf(Random), 2, profiles(), true, rng), "adam", 0.01))
	s.SetFilter(Gender, NewFilter(AttributeOf(Gender), 2, rng))

	assert.Equal(t, 2, s.Enabled())
	assert.Len(t, s.Active(All()), 2)
	assert.Nil(t, s.Slot(Age))

	var m Mask
	m[Random] = true
	active := s.Active(m)
	require.Len(t, active, 1)
	assert.Equal(t, Random, active[0].Disc.Attribute().Kind)
	assert.Empty(t, s.ActiveFilters(m))
	assert.Len(t, s.Filters(), 1)
	assert.Len(t, s.Filters()[0].Params(), 4)

	s.Disable(Gender)
	assert.Equal(t, 1, s.Enabled())

	seen := map[bool]int{}
	for i := 0; i < 200; i++ {
		mm := DrawMask(rng)
		seen[mm[Random]]++
	}
	assert.Greater(t, seen[true], 50)
	assert.Greater(t, seen[false], 50)
}

func TestFreezeKeepsSlotActive(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	s := NewSet()
	require.NoError(t, s.Enable(NewDiscriminator(AttributeOf(Gender), 2, profiles(), true, rng), "SGD", 0.5))
	require.NoError(t, s.Enable(NewDiscriminator(AttributeOf(Age), 2, profiles(), true, rng), "SGD", 0.5))

	assert.True(t, s.Freeze(Gender))
	assert.False(t, s.Freeze(Occupation), "disabled slot")
	assert.True(t, s.Slot(Gender).Frozen())
	assert.False(t, s.Slot(Age).Frozen())
	require.Len(t, s.Active(All()), 2)

	users := []int64{0, 1, 2}
	emb := [][]float64{{0.1, -0.3}, {0.5, 0.4}, {-0.2, 0.3}}
	frozen, thawed := s.Slot(Gender).Disc.Params(), s.Slot(Age).Disc.Params()
	for _, slot := range s.Active(All()) {
		j, err := slot.Disc.Penalty(emb, users)
		require.NoError(t, err)
		assert.Greater(t, j.Loss, 0.0)
	}
	assert.Equal(t, frozen, s.Slot(Gender).Disc.Params())
	assert.NotEqual(t, thawed, s.Slot(Age).Disc.Params())
	assert.Equal(t, len(users), s.Slot(Gender).Disc.seen, "frozen slots still keep statistics")
}

func TestFilterSteps(t *testing.T) {
	f := NewFilter(AttributeOf(Age), 3, rand.New(rand.NewSource(1)))
	emb := [][]float64{{1, 2, 3}, {4, 5, 6}}
	out, back, err := f.Forward(emb)
	require.NoError(t, err)
	require.Len(t, out, 2)
	applied, err := f.Apply(emb)
	require.NoError(t, err)
	assert.Equal(t, out, applied)

	dOut := [][]float64{{1, 0, 0}, {0, 1, 0}}
	before := f.Params()
	dIn, err := back(dOut)
	require.NoError(t, err)
	require.Len(t, dIn, 2)
	assert.Len(t, dIn[0], 3)
	assert.Equal(t, before, f.Params(), "no optimizer yet")

	s := NewSet()
	s.SetFilter(Age, f)
	require.NoError(t, s.SetFilterOptimizer("SGD", 0.1))
	assert.Error(t, s.SetFilterOptimizer("rmsprop", 0.1))
	require.NoError(t, s.SetFilterOptimizer("SGD", 0.1))
	_, back, err = f.Forward(emb)
	require.NoError(t, err)
	again, err := back(dOut)
	require.NoError(t, err)
	for i := range dIn {
		assert.InDeltaSlice(t, dIn[i], again[i], 1e-12, "input gradient is taken before the step")
	}
	stepped := f.Params()
	assert.Greater(t, floats.Distance(before[0].Data, stepped[0].Data, 2), 0.0)

	f.Freeze()
	_, back, err = f.Forward(emb)
	require.NoError(t, err)
	_, err = back(dOut)
	require.NoError(t, err)
	assert.Equal(t, stepped, f.Params())
}

func TestParseAttribute(t *testing.T) {
	a, err := ParseAttribute("occupation")
	require.NoError(t, err)
	assert.Equal(t, Occupation, a.Kind)
	assert.Equal(t, Micro, a.Averaging)
	assert.Equal(t, Binary, AttributeOf(Gender).Averaging)
	assert.True(t, AttributeOf(Random).ReportAUC)

	_, err = ParseAttribute("zip")
	assert.Error(t, err)
}
