package mlp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/cnclabs/fairkg/internal/nn"
)

// adamEpsilon matches the scorer's Adam.
const adamEpsilon = 1e-8

// NewOptimizer builds a gomlx optimizer by mode name. It accepts the same
// names as nn.NewOptimizer:
//
//	SGD                   plain SGD, no learning-rate decay
//	nesterov<m>           SGD with Nesterov momentum m
//	adam[_hyp2|_hyp3]     Adam, betas (.9, .999), (.5, .99) or (0, .99)
//	adam_sparse[...]      same as adam; every row of a dense layer is touched
//
// gomlx has no AMSGrad, so the adam modes run plain Adam here.
func NewOptimizer(mode string, lr float64) (optimizers.Interface, error) {
	if mode == "SGD" {
		return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(lr).Done(), nil
	}
	if strings.HasPrefix(mode, "nesterov") {
		m, err := strconv.ParseFloat(mode[len("nesterov"):], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: optimizer %q: %v", nn.ErrUnsupportedConfiguration, mode, err)
		}
		return &nesterov{lr: lr, momentum: m}, nil
	}
	rest, ok := strings.CutPrefix(strings.ToLower(mode), "adam")
	if !ok {
		return nil, fmt.Errorf("%w: optimizer %q", nn.ErrUnsupportedConfiguration, mode)
	}
	var b1, b2 float64
	switch rest {
	case "", "_sparse":
		b1, b2 = .9, .999
	case "_hyp2", "_sparse_hyp2":
		b1, b2 = .5, .99
	case "_hyp3", "_sparse_hyp3":
		b1, b2 = 0, .99
	default:
		return nil, fmt.Errorf("%w: optimizer %q", nn.ErrUnsupportedConfiguration, mode)
	}
	return optimizers.Adam().LearningRate(lr).Betas(b1, b2).Epsilon(adamEpsilon).Done(), nil
}

// ValidateOptimizerMode checks a mode name without building anything.
func ValidateOptimizerMode(mode string) error {
	_, err := NewOptimizer(mode, 0)
	return err
}

const nesterovScope = "NesterovOptimizer"

// nesterov is SGD with Nesterov momentum, laid out like the gomlx optimizers:
// one velocity variable per trainable variable under its own absolute scope.
type nesterov struct {
	lr       float64
	momentum float64
}

func (o *nesterov) UpdateGraph(ctx *mlx_context.Context, g *graph.Graph, loss *graph.Node) {
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	lr := optimizers.LearningRateVar(ctx, loss.DType(), o.lr).ValueGraph(g)
	optimizers.IncrementGlobalStepGraph(ctx, g, loss.DType())

	i := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		velVar := ctx.Checked(false).
			InAbsPath(mlx_context.ScopeSeparator + nesterovScope + v.Scope()).
			WithInitializer(initializers.Zero).
			VariableWithShape(v.Name()+"_velocity", v.Shape()).
			SetTrainable(false)
		vel := graph.Add(graph.MulScalar(velVar.ValueGraph(g), o.momentum), grads[i])
		velVar.SetValueGraph(vel)
		step := graph.Add(grads[i], graph.MulScalar(vel, o.momentum))
		v.SetValueGraph(graph.Sub(v.ValueGraph(g), graph.Mul(step, lr)))
		i++
	}
}

func (o *nesterov) Clear(ctx *mlx_context.Context) error {
	return ctx.InAbsPath(mlx_context.ScopeSeparator + nesterovScope).DeleteVariablesInScope()
}
