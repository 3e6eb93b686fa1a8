package fairness

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/fairkg/internal/mlp"
	"github.com/cnclabs/fairkg/internal/nn"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// Discriminator predicts one attribute of a user from the user's embedding.
// With cross entropy its penalty is the classification loss; otherwise it is
// the mean L1 distance between predicted probability and label, a soft
// "1 - accuracy".
type Discriminator struct {
	attr         Attribute
	net          *mlp.Net
	labels       []int // indexed by user id
	crossEntropy bool

	seen, correct int
}

// NewDiscriminator builds a discriminator over dim-sized embeddings. Labels
// are taken from profiles, indexed by user id. It does not train until
// SetOptimizer is called.
func NewDiscriminator(attr Attribute, dim int, profiles []knowledge.Profile, crossEntropy bool, rng *rand.Rand) *Discriminator {
	out := attr.Classes
	if attr.Binary() {
		out = 1
	}
	labels := make([]int, len(profiles))
	for i, p := range profiles {
		labels[i] = attr.Label(p)
	}
	widths := []int{dim, 2 * dim, 4 * dim, 4 * dim, 2 * dim, dim, out}
	return &Discriminator{
		attr:         attr,
		net:          mlp.New("disc."+attr.Name, widths, rng).WithObjective(objective(attr.Binary(), crossEntropy)),
		labels:       labels,
		crossEntropy: crossEntropy,
	}
}

// objective builds the penalty graph. Labels arrive as one column of 0/1 for
// binary attributes and one-hot rows otherwise.
func objective(binary, crossEntropy bool) mlp.Objective {
	if binary {
		return func(logits, labels *graph.Node) (*graph.Node, *graph.Node) {
			probs := graph.Sigmoid(logits)
			if crossEntropy {
				return losses.BinaryCrossentropyLogits([]*graph.Node{labels}, []*graph.Node{logits}), probs
			}
			return graph.ReduceAllMean(graph.Abs(graph.Sub(probs, labels))), probs
		}
	}
	return func(logits, labels *graph.Node) (*graph.Node, *graph.Node) {
		probs := graph.Softmax(logits)
		if crossEntropy {
			return losses.CategoricalCrossEntropyLogits([]*graph.Node{labels}, []*graph.Node{logits}), probs
		}
		hit := graph.ReduceSum(graph.Mul(probs, labels), -1)
		return graph.ReduceAllMean(graph.OneMinus(hit)), probs
	}
}

// Attribute returns the attribute this discriminator predicts.
func (d *Discriminator) Attribute() Attribute { return d.attr }

// CrossEntropy reports which objective the penalty uses.
func (d *Discriminator) CrossEntropy() bool { return d.crossEntropy }

// SetOptimizer gives the discriminator its own optimizer state.
func (d *Discriminator) SetOptimizer(mode string, lr float64) error {
	return d.net.SetOptimizer(mode, lr)
}

// Freeze stops all further updates of the network.
func (d *Discriminator) Freeze() { d.net.Freeze() }

// Frozen reports whether Freeze was called.
func (d *Discriminator) Frozen() bool { return d.net.Frozen() }

// Params returns a copy of the network parameters.
func (d *Discriminator) Params() []*nn.Param { return d.net.Params() }

// SetParams loads parameters exported by Params.
func (d *Discriminator) SetParams(ps []*nn.Param) error { return d.net.SetParams(ps) }

// Labels returns the true labels of users.
func (d *Discriminator) Labels(users []int64) []int {
	out := make([]int, len(users))
	for i, u := range users {
		out[i] = d.labels[u]
	}
	return out
}

func (d *Discriminator) targets(users []int64) [][]float64 {
	width := d.attr.Classes
	if d.attr.Binary() {
		width = 1
	}
	out := make([][]float64, len(users))
	for i, y := range d.Labels(users) {
		row := make([]float64, width)
		if d.attr.Binary() {
			row[0] = float64(y)
		} else {
			row[y] = 1
		}
		out[i] = row
	}
	return out
}

// Judgement is one differentiable discriminator pass.
type Judgement struct {
	Loss float64
	// Grad is the gradient of Loss w.r.t. the judged embeddings.
	Grad [][]float64
}

// Penalty runs the discriminator on emb (row i belongs to users[i]) and
// returns the penalty with its input gradient. If the discriminator trains,
// the same pass steps its optimizer on the penalty; the returned gradient is
// taken before that step. Running accuracy is updated.
func (d *Discriminator) Penalty(emb [][]float64, users []int64) (*Judgement, error) {
	res, err := d.net.Fit(emb, d.targets(users))
	if err != nil {
		return nil, err
	}
	for i, y := range d.Labels(users) {
		d.seen++
		if d.classify(res.Probs[i]) == y {
			d.correct++
		}
	}
	return &Judgement{Loss: res.Loss, Grad: res.Grad}, nil
}

// Loss evaluates the penalty without gradients, updates or statistics.
func (d *Discriminator) Loss(emb [][]float64, users []int64) (float64, error) {
	loss, _, err := d.net.Evaluate(emb, d.targets(users))
	return loss, err
}

func (d *Discriminator) classify(probs []float64) int {
	if d.attr.Binary() {
		if probs[0] > 0.5 {
			return 1
		}
		return 0
	}
	return floats.MaxIdx(probs)
}

// Prediction is the inference-only output of a discriminator.
type Prediction struct {
	Preds  []int
	Labels []int
	// Probs holds P(class 1) for binary attributes and the probability of
	// the predicted class otherwise.
	Probs []float64
}

// Correct counts matching predictions.
func (p *Prediction) Correct() int {
	n := 0
	for i := range p.Preds {
		if p.Preds[i] == p.Labels[i] {
			n++
		}
	}
	return n
}

// Predict classifies emb without touching the network.
func (d *Discriminator) Predict(emb [][]float64, users []int64) (*Prediction, error) {
	_, probs, err := d.net.Evaluate(emb, d.targets(users))
	if err != nil {
		return nil, err
	}
	out := &Prediction{
		Preds:  make([]int, len(probs)),
		Labels: d.Labels(users),
		Probs:  make([]float64, len(probs)),
	}
	for i, q := range probs {
		k := d.classify(q)
		out.Preds[i] = k
		if d.attr.Binary() {
			out.Probs[i] = q[0]
		} else {
			out.Probs[i] = q[k]
		}
	}
	return out, nil
}

// Accuracy returns the running training accuracy since the last Reset.
func (d *Discriminator) Accuracy() float64 {
	if d.seen == 0 {
		return 0
	}
	return float64(d.correct) / float64(d.seen)
}

// ResetStats clears the running accuracy.
func (d *Discriminator) ResetStats() {
	d.seen, d.correct = 0, 0
}
