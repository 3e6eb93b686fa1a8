package eval

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"github.com/cnclabs/fairkg/internal/fairness"
	"github.com/cnclabs/fairkg/internal/metrics"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// DefaultFairnessBatch is the number of test triplets embedded per batch.
const DefaultFairnessBatch = 4096

// Embedder looks up relation-specific entity embeddings.
type Embedder interface {
	Embed(ents, rels []int64) [][]float64
}

// FairnessReport is the leakage audit of one discriminator.
type FairnessReport struct {
	Attribute fairness.Attribute
	Total     int
	Correct   int
	// Accuracy is a percentage.
	Accuracy float64
	// Precision, Recall and F1 are means over batches.
	PRF PRF
	// AUC is set only for attributes that report it.
	AUC    float64
	HasAUC bool
}

// Fairness measures how well a discriminator recovers its attribute from the
// embeddings of the users in a test set.
type Fairness struct {
	Scorer    Embedder
	BatchSize int
	Sink      metrics.Sink
	Logger    *slog.Logger
}

// Evaluate runs disc over the (optionally filtered) left embeddings of test
// and logs "<attr>_Valid FairD Accuracy" and, for gender and random,
// "<attr>_Valid FairD AUC" at step epoch.
func (f *Fairness) Evaluate(test []knowledge.Triplet, disc *fairness.Discriminator, filters []fairness.Filter, epoch int) (*FairnessReport, error) {
	if len(test) == 0 {
		return nil, fmt.Errorf("%w: empty fairness test set", ErrDegenerateEvaluation)
	}
	size := f.BatchSize
	if size <= 0 {
		size = DefaultFairnessBatch
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attr := disc.Attribute()
	rep := &FairnessReport{Attribute: attr}

	var precisions, recalls, f1s []float64
	var labels []int
	var probs []float64
	for lo := 0; lo < len(test); lo += size {
		hi := min(lo+size, len(test))
		batch := test[lo:hi]
		users := knowledge.Lefts(batch)

		emb, err := fairness.ApplyAll(filters, f.Scorer.Embed(users, knowledge.Relations(batch)))
		if err != nil {
			return nil, err
		}
		pred, err := disc.Predict(emb, users)
		if err != nil {
			return nil, fmt.Errorf("discriminator %s: %w", attr, err)
		}
		prf := PrecisionRecallF1(pred.Labels, pred.Preds, attr.Averaging)
		precisions = append(precisions, prf.Precision)
		recalls = append(recalls, prf.Recall)
		f1s = append(f1s, prf.F1)
		labels = append(labels, pred.Labels...)
		probs = append(probs, pred.Probs...)

		rep.Correct += pred.Correct()
		rep.Total += len(batch)
	}

	rep.Accuracy = 100 * float64(rep.Correct) / float64(rep.Total)
	rep.PRF = PRF{
		Precision: stat.Mean(precisions, nil),
		Recall:    stat.Mean(recalls, nil),
		F1:        stat.Mean(f1s, nil),
	}

	sink := f.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}
	sink.Log(attr.Name+"_Valid FairD Accuracy", rep.Accuracy, epoch)

	if attr.ReportAUC {
		auc, err := ROCAUC(labels, probs)
		if err != nil {
			logger.Warn("skipping fairness auc", "attribute", attr.Name, "err", err)
		} else {
			rep.AUC, rep.HasAUC = auc, true
			sink.Log(attr.Name+"_Valid FairD AUC", auc, epoch)
		}
	}

	logger.Info("fairness evaluation",
		"attribute", attr.Name,
		"epoch", epoch,
		"accuracy", rep.Accuracy,
		"f1", rep.PRF.F1,
		"auc", rep.AUC,
	)
	return rep, nil
}
