// Package eval measures a trained model: filtered link-prediction ranks and
// how well a discriminator recovers protected attributes from embeddings.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"github.com/cnclabs/fairkg/internal/sampler"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// ErrDegenerateEvaluation is returned when a statistic has nothing to
// average over.
var ErrDegenerateEvaluation = errors.New("eval: degenerate evaluation")

// Energizer scores triplets; lower energy = more plausible.
type Energizer interface {
	Score(batch []knowledge.Triplet) []float64
}

// RankStats summarises ranks in one corruption direction.
type RankStats struct {
	MeanRank float64
	MRR      float64
	Hits10   float64
	Hits5    float64
}

// RankReport holds the per-triplet ranks and their summaries. The top-level
// fields average the left and right directions.
type RankReport struct {
	LeftRanks  []int
	RightRanks []int
	Left       RankStats
	Right      RankStats

	MeanRank float64
	MRR      float64
	Hits10   float64
	Hits5    float64
}

// Ranker computes filtered ranks against every entity.
type Ranker struct {
	Scorer      Energizer
	Facts       *knowledge.FactSet // all known facts, train and test
	NumEntities int64
	Logger      *slog.Logger
}

// Evaluate ranks every stride-th test triplet against all left and all right
// replacements. Candidates that are other known facts do not compete.
func (r *Ranker) Evaluate(ctx context.Context, test []knowledge.Triplet, stride int) (*RankReport, error) {
	if stride < 1 {
		stride = 1
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := int(r.NumEntities)
	lBatch := make([]knowledge.Triplet, n)
	rBatch := make([]knowledge.Triplet, n)
	both := make([]knowledge.Triplet, 2*n)

	rep := &RankReport{}
	for idx, t := range test {
		if idx%stride != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for e := 0; e < n; e++ {
			lBatch[e] = knowledge.Triplet{Left: int64(e), Relation: t.Relation, Right: t.Right}
			rBatch[e] = knowledge.Triplet{Left: t.Left, Relation: t.Relation, Right: int64(e)}
		}
		lFns, err := sampler.FalseNegatives(lBatch, r.Facts)
		if err != nil {
			return nil, fmt.Errorf("left candidates of test triplet %d: %w", idx, err)
		}
		rFns, err := sampler.FalseNegatives(rBatch, r.Facts)
		if err != nil {
			return nil, fmt.Errorf("right candidates of test triplet %d: %w", idx, err)
		}

		copy(both, lBatch)
		copy(both[n:], rBatch)
		energies := r.Scorer.Score(both)

		rep.LeftRanks = append(rep.LeftRanks, ComputeRank(energies[:n], t.Left, lFns))
		rep.RightRanks = append(rep.RightRanks, ComputeRank(energies[n:], t.Right, rFns))

		if len(rep.LeftRanks)%1000 == 0 {
			logger.Debug("ranking progress", "ranked", len(rep.LeftRanks))
		}
	}

	var err error
	if rep.Left, err = Summarize(rep.LeftRanks); err != nil {
		return nil, err
	}
	if rep.Right, err = Summarize(rep.RightRanks); err != nil {
		return nil, err
	}
	rep.MeanRank = (rep.Left.MeanRank + rep.Right.MeanRank) / 2
	rep.MRR = (rep.Left.MRR + rep.Right.MRR) / 2
	rep.Hits10 = (rep.Left.Hits10 + rep.Right.Hits10) / 2
	rep.Hits5 = (rep.Left.Hits5 + rep.Right.Hits5) / 2
	return rep, nil
}

// ComputeRank returns 1 + the number of candidates that beat the target:
// candidates with strictly lower energy that are not observed facts. Ties
// resolve in the target's favour. observed may be nil.
func ComputeRank(energies []float64, target int64, observed []float64) int {
	e := energies[target]
	rank := 1
	for c, v := range energies {
		if int64(c) == target {
			continue
		}
		if observed != nil && observed[c] != 0 {
			continue
		}
		if v < e {
			rank++
		}
	}
	return rank
}

// Summarize computes mean rank, MRR, Hits@10 and Hits@5.
func Summarize(ranks []int) (RankStats, error) {
	if len(ranks) == 0 {
		return RankStats{}, fmt.Errorf("%w: no ranks", ErrDegenerateEvaluation)
	}
	r := make([]float64, len(ranks))
	rr := make([]float64, len(ranks))
	h10 := make([]float64, len(ranks))
	h5 := make([]float64, len(ranks))
	for i, k := range ranks {
		r[i] = float64(k)
		rr[i] = 1 / float64(k)
		if k <= 10 {
			h10[i] = 1
		}
		if k <= 5 {
			h5[i] = 1
		}
	}
	return RankStats{
		MeanRank: stat.Mean(r, nil),
		MRR:      stat.Mean(rr, nil),
		Hits10:   stat.Mean(h10, nil),
		Hits5:    stat.Mean(h5, nil),
	}, nil
}
