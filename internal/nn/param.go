// Package nn holds the scorer's training machinery: parameter tables with
// row-sparse gradients, the optimizers that step them and learning-rate
// schedules. The fairness networks train on gomlx instead, see package mlp.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a row-major Rows x Cols table of values with a same-shaped
// gradient buffer. Sparse params (embedding tables) remember which rows
// received gradient since the last ZeroGrad so optimizers can skip the rest.
type Param struct {
	Name       string
	Rows, Cols int
	Data       []float64
	Grad       []float64
	Sparse     bool

	frozen  bool
	touched []bool
	rows    []int
}

// NewParam allocates a zeroed parameter.
func NewParam(name string, rows, cols int, sparse bool) *Param {
	p := &Param{
		Name:   name,
		Rows:   rows,
		Cols:   cols,
		Data:   make([]float64, rows*cols),
		Grad:   make([]float64, rows*cols),
		Sparse: sparse,
	}
	if sparse {
		p.touched = make([]bool, rows)
	}
	return p
}

// Row returns a view of row i.
func (p *Param) Row(i int) []float64 {
	return p.Data[i*p.Cols : (i+1)*p.Cols]
}

// GradRow returns a view of the gradient of row i and marks it touched.
func (p *Param) GradRow(i int) []float64 {
	if p.Sparse && !p.touched[i] {
		p.touched[i] = true
		p.rows = append(p.rows, i)
	}
	return p.Grad[i*p.Cols : (i+1)*p.Cols]
}

// ActiveRows lists the rows an optimizer must visit.
func (p *Param) ActiveRows() []int {
	if p.Sparse {
		return p.rows
	}
	rows := make([]int, p.Rows)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// ZeroGrad clears the gradient buffer.
func (p *Param) ZeroGrad() {
	if !p.Sparse {
		clear(p.Grad)
		return
	}
	for _, r := range p.rows {
		clear(p.Grad[r*p.Cols : (r+1)*p.Cols])
		p.touched[r] = false
	}
	p.rows = p.rows[:0]
}

// Frozen reports whether the parameter is excluded from updates.
func (p *Param) Frozen() bool { return p.frozen }

// Matrix returns a mat.Dense view sharing Data.
func (p *Param) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Data)
}

// Uniform fills the parameter from U(-bound, bound).
func (p *Param) Uniform(rng *rand.Rand, bound float64) {
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}

// Freeze marks every parameter as fixed. Backward passes stop writing
// gradients into frozen params and optimizers skip them.
func Freeze(params []*Param) {
	for _, p := range params {
		p.frozen = true
		p.ZeroGrad()
	}
}

// Snapshot copies the values of params, keyed by name.
func Snapshot(params []*Param) map[string][]float64 {
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		out[p.Name] = append([]float64(nil), p.Data...)
	}
	return out
}

// GradNorm is the L2 norm of all gradients.
func GradNorm(params []*Param) float64 {
	total := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		total += n * n
	}
	return math.Sqrt(total)
}

// WeightNorm is the L2 norm of all values.
func WeightNorm(params []*Param) float64 {
	total := 0.0
	for _, p := range params {
		n := floats.Norm(p.Data, 2)
		total += n * n
	}
	return math.Sqrt(total)
}
