// Package trainer runs adversarial fairness training: a scorer learns a
// margin ranking objective against corrupted triplets while a set of
// attribute discriminators tries to recover protected attributes from its
// user embeddings, and the scorer is penalised for their success.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/fairkg/internal/eval"
	"github.com/cnclabs/fairkg/internal/fairness"
	"github.com/cnclabs/fairkg/internal/metrics"
	"github.com/cnclabs/fairkg/internal/models"
	"github.com/cnclabs/fairkg/internal/nn"
	"github.com/cnclabs/fairkg/internal/sampler"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// Options control one training run.
type Options struct {
	Margin float64
	Gamma  float64

	// CrossEntropy selects the discriminator objective. The fairness penalty
	// is -sum(L) with cross entropy and active-sum(L) otherwise.
	CrossEntropy    bool
	SampleMask      bool
	FilterFalseNegs bool
	// UseFilters routes embeddings through the selected filters before the
	// discriminators and the energy computation.
	UseFilters bool

	BatchSize int
	NumEpochs int
	ValidFreq int
	SaveFreq  int

	Optimizer       string
	FilterOptimizer string
	LR              float64
	DecayLR         string
}

// Trainer owns the scorer optimizer, the discriminator set and the shared
// random source for one run.
type Trainer struct {
	Scorer  models.Scorer
	Set     *fairness.Set
	Sampler *sampler.Sampler
	Facts   *knowledge.FactSet // training facts, for false negatives
	Rng     *rand.Rand
	Opts    Options

	Sink   metrics.Sink
	Logger *slog.Logger

	// Validate runs every ValidFreq epochs.
	Validate func(ctx context.Context, epoch int) error
	// Checkpoint runs every SaveFreq epochs and after the last epoch.
	Checkpoint func(epoch int) error

	opt      nn.Optimizer
	schedule nn.Scheduler
}

// New wires a trainer. Unknown optimizer or schedule names fail here with
// nn.ErrUnsupportedConfiguration. A frozen scorer gets no optimizer, and then
// neither do the filters.
func New(scorer models.Scorer, set *fairness.Set, smp *sampler.Sampler, facts *knowledge.FactSet, rng *rand.Rand, opts Options) (*Trainer, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size %d", nn.ErrUnsupportedConfiguration, opts.BatchSize)
	}
	t := &Trainer{
		Scorer:  scorer,
		Set:     set,
		Sampler: smp,
		Facts:   facts,
		Rng:     rng,
		Opts:    opts,
		Sink:    metrics.Nop{},
		Logger:  slog.Default(),
	}
	if scorer.Frozen() {
		return t, nil
	}

	var err error
	if t.opt, err = nn.NewOptimizer(scorer.Params(), opts.Optimizer, opts.LR); err != nil {
		return nil, fmt.Errorf("scorer optimizer: %w", err)
	}
	if t.schedule, err = nn.NewScheduler(t.opt, opts.DecayLR, opts.NumEpochs); err != nil {
		return nil, fmt.Errorf("scorer schedule: %w", err)
	}
	if opts.UseFilters {
		mode := opts.FilterOptimizer
		if mode == "" {
			mode = opts.Optimizer
		}
		if err := set.SetFilterOptimizer(mode, opts.LR); err != nil {
			return nil, fmt.Errorf("filter optimizer: %w", err)
		}
	}
	return t, nil
}

// Optimizer returns the scorer optimizer, nil when the scorer is frozen.
func (t *Trainer) Optimizer() nn.Optimizer { return t.opt }

func (t *Trainer) trainsScorer() bool {
	return t.opt != nil && !t.Scorer.Frozen()
}

// Diagnostic is the no-gradient check of one discriminator on one batch.
type Diagnostic struct {
	Correct int
	Total   int
	PRF     eval.PRF
	AUC     float64
	HasAUC  bool
}

// StepResult reports one mini-batch.
type StepResult struct {
	Active      int     // discriminators that took part
	RankLoss    float64 // weighted margin ranking loss
	FairPenalty float64
	Loss        float64 // RankLoss + Gamma*FairPenalty

	DiscLoss   [fairness.NumKinds]float64
	DiscActive [fairness.NumKinds]bool
	Diag       [fairness.NumKinds]*Diagnostic
}

// Step trains on one batch of positive triplets.
//
// Every selected discriminator is stepped on its own penalty first. The
// gradient of each penalty w.r.t. the embeddings is taken before that
// discriminator's parameters move, and the sum of those gradients feeds the
// scorer update. With no discriminator selected the scorer still learns from
// the ranking loss alone.
func (t *Trainer) Step(batch []knowledge.Triplet) (*StepResult, error) {
	n := len(batch)
	if n == 0 {
		return &StepResult{}, nil
	}

	mask := fairness.All()
	if t.Opts.SampleMask {
		mask = fairness.DrawMask(t.Rng)
	}

	neg, _ := t.Sampler.Corrupt(batch)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	if t.Opts.FilterFalseNegs {
		fns, err := sampler.FalseNegatives(neg, t.Facts)
		if err != nil {
			return nil, fmt.Errorf("false negatives: %w", err)
		}
		for i, f := range fns {
			weights[i] = 1 - f
		}
	}

	ins := make([]knowledge.Triplet, 0, 2*n)
	ins = append(ins, batch...)
	ins = append(ins, neg...)
	m := len(ins)

	active := t.Set.Active(mask)
	var filters []fairness.Filter
	if t.Opts.UseFilters {
		filters = t.Set.ActiveFilters(mask)
	}

	// Heads and tails go through the filters as one batch so each filter
	// steps once per Step.
	pass := t.Scorer.Forward(ins)
	ents := make([][]float64, 0, 2*m)
	ents = append(ents, pass.Lhs...)
	ents = append(ents, pass.Rhs...)
	filtered, err := fairness.Combine(filters, ents)
	if err != nil {
		return nil, err
	}
	lhs, rhs := filtered.Out[:m], filtered.Out[m:]

	energies := pass.Energies
	var dd [][]float64
	if len(filters) > 0 {
		energies = make([]float64, m)
		dd = make([][]float64, m)
		for i := range ins {
			energies[i], dd[i] = t.Scorer.EnergyOf(lhs[i], pass.Rel[i], rhs[i])
		}
	}

	res := &StepResult{Active: len(active)}
	users := knowledge.Lefts(batch)
	penIn := lhs[:n]

	var lPenalty float64
	dPen := make([][]float64, n)
	for _, slot := range active {
		j, err := slot.Disc.Penalty(penIn, users)
		if err != nil {
			return nil, fmt.Errorf("discriminator %s: %w", slot.Disc.Attribute(), err)
		}
		lPenalty += j.Loss
		for i, g := range j.Grad {
			if dPen[i] == nil {
				dPen[i] = make([]float64, len(g))
			}
			floats.Add(dPen[i], g)
		}

		k := slot.Disc.Attribute().Kind
		res.DiscActive[k] = true
		res.DiscLoss[k] = j.Loss
		if !slot.Disc.CrossEntropy() {
			res.DiscLoss[k] = -(1 - j.Loss)
		}
	}
	if t.Opts.CrossEntropy {
		res.FairPenalty = -lPenalty
	} else {
		res.FairPenalty = float64(len(active)) - lPenalty
	}

	rank, dPos, dNeg := MarginRanking(energies[:n], energies[n:], weights, t.Opts.Margin)
	res.RankLoss = rank
	res.Loss = rank + t.Opts.Gamma*res.FairPenalty

	if t.trainsScorer() {
		if err := t.backward(pass, filtered, dd, append(dPos, dNeg...), dPen, len(filters) > 0); err != nil {
			return nil, err
		}
	}

	if len(active) > 0 {
		if err := t.diagnose(batch, users, active, filters, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// backward pushes the ranking gradient dE and the fairness gradient dPen
// (w.r.t. the positive left embeddings after filtering) into the scorer and,
// when filtered, into the filters, then steps the scorer optimizer. The
// filters step inside filtered.Backward.
func (t *Trainer) backward(pass *models.Pass, filtered *fairness.Combined, dd [][]float64, dE []float64, dPen [][]float64, withFilters bool) error {
	t.opt.ZeroGrad()

	// dFair/dL_i is -1 for both objectives.
	m := len(dE)
	dLhs := make([][]float64, m)
	for i, g := range dPen {
		if g != nil {
			dLhs[i] = make([]float64, len(g))
			floats.AddScaled(dLhs[i], -t.Opts.Gamma, g)
		}
	}

	grad := &models.Grad{}
	if withFilters {
		dim := t.Scorer.Dim()
		dOut := make([][]float64, 2*m)
		grel := make([][]float64, m)
		for i := range dE {
			gl := make([]float64, dim)
			gr := make([]float64, dim)
			grel[i] = make([]float64, dim)
			floats.AddScaled(gl, dE[i], dd[i])
			floats.AddScaled(gr, -dE[i], dd[i])
			floats.AddScaled(grel[i], dE[i], dd[i])
			if dLhs[i] != nil {
				floats.Add(gl, dLhs[i])
			}
			dOut[i], dOut[m+i] = gl, gr
		}
		dEnt, err := filtered.Backward(dOut)
		if err != nil {
			return err
		}
		grad.Lhs, grad.Rhs = dEnt[:m], dEnt[m:]
		grad.Rel = grel
	} else {
		grad.Energies = dE
		grad.Lhs = dLhs
	}

	t.Scorer.Backward(pass, grad)
	t.opt.Step()
	return nil
}

// diagnose re-embeds the positive users with the updated scorer and checks
// every active discriminator without recording gradients.
func (t *Trainer) diagnose(batch []knowledge.Triplet, users []int64, active []*fairness.Slot, filters []fairness.Filter, res *StepResult) error {
	emb, err := fairness.ApplyAll(filters, t.Scorer.Embed(users, knowledge.Relations(batch)))
	if err != nil {
		return err
	}
	for _, slot := range active {
		attr := slot.Disc.Attribute()
		pred, err := slot.Disc.Predict(emb, users)
		if err != nil {
			return fmt.Errorf("discriminator %s: %w", attr, err)
		}
		d := &Diagnostic{
			Correct: pred.Correct(),
			Total:   len(users),
			PRF:     eval.PrecisionRecallF1(pred.Labels, pred.Preds, attr.Averaging),
		}
		if attr.ReportAUC {
			if auc, err := eval.ROCAUC(pred.Labels, pred.Probs); err == nil {
				d.AUC, d.HasAUC = auc, true
			}
		}
		res.Diag[attr.Kind] = d
	}
	return nil
}

// EpochStats aggregates the steps of one epoch. Losses are means over the
// steps in which the loss was computed.
type EpochStats struct {
	Epoch    int
	Steps    int
	Loss     float64
	RankLoss float64

	DiscLoss  [fairness.NumKinds]float64
	DiscSteps [fairness.NumKinds]int
	// Accuracy is the percentage of correct diagnostic predictions.
	Accuracy [fairness.NumKinds]float64
	F1       [fairness.NumKinds]float64
	AUC      [fairness.NumKinds]float64

	GradNorm   float64
	WeightNorm float64
	Elapsed    time.Duration
}

type epochAcc struct {
	correct, total [fairness.NumKinds]int
	f1, auc        [fairness.NumKinds][]float64
}

// Epoch shuffles train and runs one pass of Step over it.
func (t *Trainer) Epoch(ctx context.Context, epoch int, train []knowledge.Triplet) (*EpochStats, error) {
	start := time.Now()
	order := append([]knowledge.Triplet(nil), train...)
	t.Rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, slot := range t.Set.Active(fairness.All()) {
		slot.Disc.ResetStats()
	}

	st := &EpochStats{Epoch: epoch}
	var acc epochAcc
	for lo := 0; lo < len(order); lo += t.Opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+t.Opts.BatchSize, len(order))
		res, err := t.Step(order[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: %w", epoch, lo/t.Opts.BatchSize, err)
		}
		st.Steps++
		st.Loss += res.Loss
		st.RankLoss += res.RankLoss
		for k := range res.DiscActive {
			if res.DiscActive[k] {
				st.DiscSteps[k]++
				st.DiscLoss[k] += res.DiscLoss[k]
			}
			if d := res.Diag[k]; d != nil {
				acc.correct[k] += d.Correct
				acc.total[k] += d.Total
				acc.f1[k] = append(acc.f1[k], d.PRF.F1)
				if d.HasAUC {
					acc.auc[k] = append(acc.auc[k], d.AUC)
				}
			}
		}
	}

	if st.Steps > 0 {
		st.Loss /= float64(st.Steps)
		st.RankLoss /= float64(st.Steps)
	}
	for k := range st.DiscLoss {
		if st.DiscSteps[k] > 0 {
			st.DiscLoss[k] /= float64(st.DiscSteps[k])
		}
		if acc.total[k] > 0 {
			st.Accuracy[k] = 100 * float64(acc.correct[k]) / float64(acc.total[k])
			st.F1[k] = mean(acc.f1[k])
			st.AUC[k] = mean(acc.auc[k])
		}
	}

	st.GradNorm = nn.GradNorm(t.Scorer.Params())
	if n, ok := t.Scorer.(models.Normalizer); ok {
		n.Normalize()
	}
	st.WeightNorm = nn.WeightNorm(t.Scorer.Params())
	if t.schedule != nil {
		t.schedule.Step(st.Loss)
	}
	st.Elapsed = time.Since(start)

	t.report(st)
	return st, nil
}

func (t *Trainer) report(st *EpochStats) {
	sink := t.sink()
	if t.trainsScorer() {
		sink.Log("TransD Loss", st.Loss, st.Epoch)
	}
	attrs := []any{"epoch", st.Epoch, "loss", st.Loss, "rank_loss", st.RankLoss}
	for _, attr := range fairness.Attributes() {
		slot := t.Set.Slot(attr.Kind)
		if slot == nil {
			continue
		}
		sink.Log(DiscLossName(attr), st.DiscLoss[attr.Kind], st.Epoch)
		attrs = append(attrs, attr.Name+"_loss", st.DiscLoss[attr.Kind], attr.Name+"_acc", st.Accuracy[attr.Kind])
		t.logger().Debug("discriminator",
			"attribute", attr.Name,
			"train_acc", slot.Disc.Accuracy(),
			"diag_f1", st.F1[attr.Kind],
			"diag_auc", st.AUC[attr.Kind],
		)
	}
	attrs = append(attrs, "elapsed", st.Elapsed.Round(time.Millisecond))
	t.logger().Info("epoch done", attrs...)
	t.logger().Debug("scorer norms", "epoch", st.Epoch, "grad_norm", st.GradNorm, "weight_norm", st.WeightNorm)
}

// DiscLossName is the metric name of an attribute's discriminator loss,
// e.g. "Fair Gender Disc Loss".
func DiscLossName(attr fairness.Attribute) string {
	name := attr.Name
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return "Fair " + name + " Disc Loss"
}

// Run trains for Opts.NumEpochs epochs, calling Validate and Checkpoint at
// their frequencies.
func (t *Trainer) Run(ctx context.Context, train []knowledge.Triplet) ([]*EpochStats, error) {
	var out []*EpochStats
	for epoch := 1; epoch <= t.Opts.NumEpochs; epoch++ {
		st, err := t.Epoch(ctx, epoch, train)
		if err != nil {
			return out, err
		}
		out = append(out, st)

		if t.Validate != nil && t.Opts.ValidFreq > 0 && epoch%t.Opts.ValidFreq == 0 {
			if err := t.Validate(ctx, epoch); err != nil {
				return out, fmt.Errorf("validate epoch %d: %w", epoch, err)
			}
		}
		last := epoch == t.Opts.NumEpochs
		if t.Checkpoint != nil && (last || (t.Opts.SaveFreq > 0 && epoch%t.Opts.SaveFreq == 0)) {
			if err := t.Checkpoint(epoch); err != nil {
				return out, fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
			}
		}
	}
	return out, nil
}

func (t *Trainer) sink() metrics.Sink {
	if t.Sink == nil {
		return metrics.Nop{}
	}
	return t.Sink
}

func (t *Trainer) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return floats.Sum(xs) / float64(len(xs))
}
