package fairness

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/fairkg/internal/mlp"
	"github.com/cnclabs/fairkg/internal/nn"
)

// Filter maps embeddings to same-sized embeddings.
type Filter interface {
	Attribute() Attribute
	// Apply maps emb without recording anything for backward.
	Apply(emb [][]float64) ([][]float64, error)
	// Forward maps emb and returns a function that takes an output gradient,
	// steps the filter's optimizer on it unless the filter is frozen, and
	// returns the input gradient.
	Forward(emb [][]float64) (out [][]float64, backward func(dOut [][]float64) ([][]float64, error), err error)
	SetOptimizer(mode string, lr float64) error
	Freeze()
	Params() []*nn.Param
	SetParams(ps []*nn.Param) error
}

// MLPFilter is a two-layer LeakyReLU projection d -> 2d -> d.
type MLPFilter struct {
	attr Attribute
	net  *mlp.Net
}

// NewFilter builds a filter for attr over dim-sized embeddings.
func NewFilter(attr Attribute, dim int, rng *rand.Rand) *MLPFilter {
	return &MLPFilter{
		attr: attr,
		net:  mlp.New("filter."+attr.Name, []int{dim, 2 * dim, dim}, rng),
	}
}

func (f *MLPFilter) Attribute() Attribute                       { return f.attr }
func (f *MLPFilter) SetOptimizer(mode string, lr float64) error { return f.net.SetOptimizer(mode, lr) }
func (f *MLPFilter) Freeze()                                    { f.net.Freeze() }
func (f *MLPFilter) Params() []*nn.Param                        { return f.net.Params() }
func (f *MLPFilter) SetParams(ps []*nn.Param) error             { return f.net.SetParams(ps) }

func (f *MLPFilter) Apply(emb [][]float64) ([][]float64, error) {
	return f.net.Forward(emb)
}

func (f *MLPFilter) Forward(emb [][]float64) ([][]float64, func([][]float64) ([][]float64, error), error) {
	out, err := f.net.Forward(emb)
	if err != nil {
		return nil, nil, err
	}
	return out, func(dOut [][]float64) ([][]float64, error) {
		return f.net.Backward(emb, dOut)
	}, nil
}

// Combined is the sum of several filters applied to the same input.
type Combined struct {
	Out       [][]float64
	backwards []func([][]float64) ([][]float64, error)
}

// Combine applies every filter to emb and sums the outputs. Filters are never
// chained. With no filters the input passes through unchanged.
func Combine(filters []Filter, emb [][]float64) (*Combined, error) {
	if len(filters) == 0 {
		return &Combined{Out: emb}, nil
	}
	c := &Combined{Out: zerosLike(emb)}
	for _, f := range filters {
		out, back, err := f.Forward(emb)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Attribute(), err)
		}
		for i := range out {
			floats.Add(c.Out[i], out[i])
		}
		c.backwards = append(c.backwards, back)
	}
	return c, nil
}

// Backward returns the gradient w.r.t. the combined input. Each filter steps
// once on its share of dOut. Call it at most once per Combine.
func (c *Combined) Backward(dOut [][]float64) ([][]float64, error) {
	if len(c.backwards) == 0 {
		return dOut, nil
	}
	dIn := zerosLike(dOut)
	for _, back := range c.backwards {
		g, err := back(dOut)
		if err != nil {
			return nil, err
		}
		for i, row := range g {
			floats.Add(dIn[i], row)
		}
	}
	return dIn, nil
}

// ApplyAll is the inference-only form of Combine.
func ApplyAll(filters []Filter, emb [][]float64) ([][]float64, error) {
	if len(filters) == 0 {
		return emb, nil
	}
	out := zerosLike(emb)
	for _, f := range filters {
		rows, err := f.Apply(emb)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Attribute(), err)
		}
		for i, row := range rows {
			floats.Add(out[i], row)
		}
	}
	return out, nil
}

func zerosLike(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		out[i] = make([]float64, len(rows[i]))
	}
	return out
}
