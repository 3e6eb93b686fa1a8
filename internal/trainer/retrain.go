package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/cnclabs/fairkg/internal/eval"
	"github.com/cnclabs/fairkg/internal/fairness"
	"github.com/cnclabs/fairkg/internal/metrics"
	"github.com/cnclabs/fairkg/internal/models"
	"github.com/cnclabs/fairkg/internal/sampler"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// RetrainPrefix labels metrics of a retrained discriminator.
const RetrainPrefix = "Retrained_D_"

// Retrainer audits a trained scorer: with the scorer and any filters frozen
// it trains a brand new discriminator for one attribute and measures how much
// of the attribute still leaks through the embeddings.
type Retrainer struct {
	Scorer   models.Scorer
	Filters  []fairness.Filter // trained filters to audit through; may be empty
	Profiles []knowledge.Profile
	Sampler  *sampler.Sampler
	Facts    *knowledge.FactSet
	Rng      *rand.Rand

	// Opts is the base configuration; objective, masking and filter use are
	// overridden.
	Opts      Options
	Optimizer string // discriminator optimizer, "adam" when empty

	Sink   metrics.Sink
	Logger *slog.Logger

	// Checkpoint, if set, receives the retrained discriminator at the end.
	Checkpoint func(disc *fairness.Discriminator) error
}

// Run trains a fresh cross-entropy discriminator for attr over epochs epochs,
// evaluating it on test every validFreq epochs. The scorer, the filters and
// the returned discriminator are all frozen afterwards.
func (r *Retrainer) Run(ctx context.Context, attr fairness.Attribute, epochs, validFreq int, train, test []knowledge.Triplet) (*fairness.Discriminator, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := r.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}
	sink = metrics.Prefixed{Prefix: RetrainPrefix, Sink: sink}

	r.Scorer.Freeze()
	set := fairness.NewSet()
	for _, f := range r.Filters {
		f.Freeze()
		set.SetFilter(f.Attribute().Kind, f)
	}

	disc := fairness.NewDiscriminator(attr, r.Scorer.Dim(), r.Profiles, true, r.Rng)
	mode := r.Optimizer
	if mode == "" {
		mode = "adam"
	}
	if err := set.Enable(disc, mode, r.Opts.LR); err != nil {
		return nil, fmt.Errorf("retrain %s: %w", attr, err)
	}

	opts := r.Opts
	opts.CrossEntropy = true
	opts.SampleMask = false
	opts.UseFilters = len(r.Filters) > 0
	opts.NumEpochs = epochs
	opts.ValidFreq = validFreq
	opts.SaveFreq = 0

	t, err := New(r.Scorer, set, r.Sampler, r.Facts, r.Rng, opts)
	if err != nil {
		return nil, fmt.Errorf("retrain %s: %w", attr, err)
	}
	t.Sink = sink
	t.Logger = logger.With("retrain", attr.Name)

	fe := &eval.Fairness{Scorer: r.Scorer, Sink: sink, Logger: t.Logger}
	t.Validate = func(_ context.Context, epoch int) error {
		_, err := fe.Evaluate(test, disc, r.Filters, epoch)
		return err
	}
	if r.Checkpoint != nil {
		t.Checkpoint = func(int) error { return r.Checkpoint(disc) }
	}

	if len(r.Filters) > 0 {
		logger.Info("retraining discriminator through trained filters", "attribute", attr.Name, "filters", len(r.Filters))
	} else {
		logger.Info("retraining discriminator", "attribute", attr.Name)
	}
	if _, err := t.Run(ctx, train); err != nil {
		return nil, fmt.Errorf("retrain %s: %w", attr, err)
	}
	set.Freeze(attr.Kind)
	return disc, nil
}
