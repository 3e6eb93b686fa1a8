// Package mlp runs the small dense networks of the fairness components,
// discriminators and filters, on gomlx. Every network lives in its own
// context together with the state of its optimizer, so two networks can never
// step each other's parameters.
package mlp

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/cnclabs/fairkg/internal/nn"
)

// LeakySlope is the negative slope of the hidden activations.
const LeakySlope = 0.2

// maxShapes bounds the graphs each exec compiles, one per batch size seen.
const maxShapes = 128

// Objective maps the network output and a label tensor to a scalar loss and
// per-row probabilities.
type Objective func(logits, labels *graph.Node) (loss, probs *graph.Node)

// Net is a stack of dense layers with LeakyReLU between them and a linear
// output.
type Net struct {
	name      string
	widths    []int
	ctx       *mlx_context.Context
	vars      []*mlx_context.Variable
	objective Objective

	opt    optimizers.Interface
	frozen bool

	forward  *mlx_context.Exec
	evaluate *mlx_context.Exec

	// indexed by whether the exec also applies an optimizer update
	backward [2]*mlx_context.Exec
	fit      [2]*mlx_context.Exec
}

// New builds a Xavier-initialised network over the given layer widths, e.g.
// {d, 2d, d}. Biases start at zero.
func New(name string, widths []int, rng *rand.Rand) *Net {
	if len(widths) < 2 {
		panic(fmt.Sprintf("mlp: %s needs at least two widths, got %v", name, widths))
	}
	n := &Net{name: name, widths: widths, ctx: mlx_context.New()}
	for i := 0; i+1 < len(widths); i++ {
		in, out := widths[i], widths[i+1]
		bound := math.Sqrt(6 / float64(in+out))
		w := make([]float64, in*out)
		for j := range w {
			w[j] = (rng.Float64()*2 - 1) * bound
		}
		scope := n.ctx.Inf("layer_%d", i).In("dense")
		n.vars = append(n.vars,
			scope.VariableWithValue("weights", tensors.FromFlatDataAndDimensions(w, in, out)),
			scope.VariableWithValue("biases", tensors.FromFlatDataAndDimensions(make([]float64, out), out)))
	}
	return n
}

// WithObjective sets the loss used by Fit and Evaluate.
func (n *Net) WithObjective(obj Objective) *Net {
	n.objective = obj
	return n
}

// Name returns the name parameters are exported under.
func (n *Net) Name() string { return n.name }

// SetOptimizer installs a fresh optimizer built from mode and lr. Until one
// is installed the network never changes.
func (n *Net) SetOptimizer(mode string, lr float64) error {
	opt, err := NewOptimizer(mode, lr)
	if err != nil {
		return err
	}
	if n.opt != nil {
		if err := n.opt.Clear(n.ctx); err != nil {
			return fmt.Errorf("%s: clear optimizer: %w", n.name, err)
		}
	}
	n.opt = opt
	n.backward[1], n.fit[1] = nil, nil
	return nil
}

// Freeze stops all further parameter updates.
func (n *Net) Freeze() { n.frozen = true }

// Frozen reports whether Freeze was called.
func (n *Net) Frozen() bool { return n.frozen }

// Trains reports whether Backward and Fit update the parameters.
func (n *Net) Trains() bool {
	return n.opt != nil && !n.frozen
}

func (n *Net) stack(ctx *mlx_context.Context, x *graph.Node) *graph.Node {
	for i, width := range n.widths[1:] {
		if i > 0 {
			x = activations.LeakyReluWithAlpha(x, LeakySlope)
		}
		x = layers.DenseWithBias(ctx.Inf("layer_%d", i), x, width)
	}
	return x
}

func backend() backends.Backend {
	return simplego.GetBackend()
}

// Forward runs the network on the rows of x.
func (n *Net) Forward(x [][]float64) ([][]float64, error) {
	if len(x) == 0 {
		return nil, nil
	}
	if n.forward == nil {
		e, err := mlx_context.NewExec(backend(), n.ctx.Reuse(), func(ctx *mlx_context.Context, x *graph.Node) *graph.Node {
			return n.stack(ctx, x)
		})
		if err != nil {
			return nil, fmt.Errorf("%s forward: %w", n.name, err)
		}
		n.forward = e.SetMaxCache(maxShapes)
	}
	out, err := n.forward.Exec(matrix(x))
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", n.name, err)
	}
	return rows(out[0])
}

// Backward returns the gradient of sum(Forward(x) * dOut) w.r.t. x. When the
// network trains, the same pass steps the optimizer on that surrogate, which
// moves the parameters along the chain-rule gradient of whatever loss dOut
// came from. The input gradient is taken before the parameters move.
func (n *Net) Backward(x, dOut [][]float64) ([][]float64, error) {
	if len(x) == 0 {
		return nil, nil
	}
	idx := 0
	if n.Trains() {
		idx = 1
	}
	if n.backward[idx] == nil {
		update, opt := idx == 1, n.opt
		e, err := mlx_context.NewExec(backend(), n.ctx.Reuse(), func(ctx *mlx_context.Context, x, dOut *graph.Node) *graph.Node {
			surrogate := graph.ReduceAllSum(graph.Mul(n.stack(ctx, x), dOut))
			dx := graph.Gradient(surrogate, x)[0]
			if update {
				opt.UpdateGraph(ctx, x.Graph(), surrogate)
			}
			return dx
		})
		if err != nil {
			return nil, fmt.Errorf("%s backward: %w", n.name, err)
		}
		n.backward[idx] = e.SetMaxCache(maxShapes)
	}
	out, err := n.backward[idx].Exec(matrix(x), matrix(dOut))
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", n.name, err)
	}
	return rows(out[0])
}

// Result is one differentiable pass through the objective.
type Result struct {
	Loss  float64
	Probs [][]float64

	// Grad is the gradient of Loss w.r.t. the input rows, taken before any
	// parameter update.
	Grad [][]float64
}

// Fit evaluates the objective on (x, labels), returns its input gradient
// and, when the network trains, steps the optimizer on it.
func (n *Net) Fit(x, labels [][]float64) (*Result, error) {
	if n.objective == nil {
		return nil, fmt.Errorf("%s: no objective", n.name)
	}
	if len(x) == 0 {
		return &Result{}, nil
	}
	idx := 0
	if n.Trains() {
		idx = 1
	}
	if n.fit[idx] == nil {
		update, opt := idx == 1, n.opt
		e, err := mlx_context.NewExec(backend(), n.ctx.Reuse(), func(ctx *mlx_context.Context, x, labels *graph.Node) (*graph.Node, *graph.Node, *graph.Node) {
			loss, probs := n.objective(n.stack(ctx, x), labels)
			dx := graph.Gradient(loss, x)[0]
			if update {
				opt.UpdateGraph(ctx, x.Graph(), loss)
			}
			return loss, dx, probs
		})
		if err != nil {
			return nil, fmt.Errorf("%s fit: %w", n.name, err)
		}
		n.fit[idx] = e.SetMaxCache(maxShapes)
	}
	out, err := n.fit[idx].Exec(matrix(x), matrix(labels))
	if err != nil {
		return nil, fmt.Errorf("%s fit: %w", n.name, err)
	}
	res := &Result{}
	if res.Loss, err = scalar(out[0]); err != nil {
		return nil, err
	}
	if res.Grad, err = rows(out[1]); err != nil {
		return nil, err
	}
	if res.Probs, err = rows(out[2]); err != nil {
		return nil, err
	}
	return res, nil
}

// Evaluate computes the objective without gradients or updates.
func (n *Net) Evaluate(x, labels [][]float64) (float64, [][]float64, error) {
	if n.objective == nil {
		return 0, nil, fmt.Errorf("%s: no objective", n.name)
	}
	if len(x) == 0 {
		return 0, nil, nil
	}
	if n.evaluate == nil {
		e, err := mlx_context.NewExec(backend(), n.ctx.Reuse(), func(ctx *mlx_context.Context, x, labels *graph.Node) (*graph.Node, *graph.Node) {
			return n.objective(n.stack(ctx, x), labels)
		})
		if err != nil {
			return 0, nil, fmt.Errorf("%s evaluate: %w", n.name, err)
		}
		n.evaluate = e.SetMaxCache(maxShapes)
	}
	out, err := n.evaluate.Exec(matrix(x), matrix(labels))
	if err != nil {
		return 0, nil, fmt.Errorf("%s evaluate: %w", n.name, err)
	}
	loss, err := scalar(out[0])
	if err != nil {
		return 0, nil, err
	}
	probs, err := rows(out[1])
	return loss, probs, err
}

// Params copies the layer weights and biases out of the context, named
// "<net>/layer_<i>/dense/{weights,biases}". Biases export as one row.
func (n *Net) Params() []*nn.Param {
	ps := make([]*nn.Param, 0, len(n.vars))
	for _, v := range n.vars {
		dims := v.Shape().Dimensions
		r, c := 1, dims[len(dims)-1]
		if len(dims) == 2 {
			r = dims[0]
		}
		p := nn.NewParam(n.name+v.ScopeAndName(), r, c, false)
		copy(p.Data, tensors.MustCopyFlatData[float64](v.MustValue()))
		ps = append(ps, p)
	}
	return ps
}

// SetParams writes params, as exported by Params, back into the context.
// Every layer variable must be present with matching shape.
func (n *Net) SetParams(params []*nn.Param) error {
	byName := make(map[string]*nn.Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	for _, v := range n.vars {
		name := n.name + v.ScopeAndName()
		p, ok := byName[name]
		if !ok {
			return fmt.Errorf("mlp: missing parameter %s", name)
		}
		dims := v.Shape().Dimensions
		if p.Rows*p.Cols != v.Shape().Size() {
			return fmt.Errorf("mlp: parameter %s is %dx%d, want %v", name, p.Rows, p.Cols, dims)
		}
		data := append([]float64(nil), p.Data...)
		if err := v.SetValue(tensors.FromFlatDataAndDimensions(data, dims...)); err != nil {
			return fmt.Errorf("mlp: set %s: %w", name, err)
		}
	}
	return nil
}

func matrix(m [][]float64) *tensors.Tensor {
	cols := len(m[0])
	flat := make([]float64, 0, len(m)*cols)
	for _, r := range m {
		flat = append(flat, r...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(m), cols)
}

func rows(t *tensors.Tensor) ([][]float64, error) {
	flat, err := tensors.CopyFlatData[float64](t)
	if err != nil {
		return nil, err
	}
	dims := t.Shape().Dimensions
	if len(dims) != 2 {
		return nil, fmt.Errorf("mlp: want a matrix, got shape %v", dims)
	}
	out := make([][]float64, dims[0])
	for i := range out {
		out[i] = flat[i*dims[1] : (i+1)*dims[1]]
	}
	return out, nil
}

func scalar(t *tensors.Tensor) (float64, error) {
	flat, err := tensors.CopyFlatData[float64](t)
	if err != nil {
		return 0, err
	}
	if len(flat) != 1 {
		return 0, fmt.Errorf("mlp: want a scalar, got %d values", len(flat))
	}
	return flat[0], nil
}
