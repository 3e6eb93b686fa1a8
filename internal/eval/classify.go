package eval

import (
	"fmt"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/cnclabs/fairkg/internal/fairness"
)

// PRF holds precision, recall and F1.
type PRF struct {
	Precision float64
	Recall    float64
	F1        float64
}

// PrecisionRecallF1 scores single-label predictions. Binary averaging scores
// class 1 only; micro averaging pools every class, which for single-label
// data makes all three equal to accuracy. Undefined ratios are 0.
func PrecisionRecallF1(labels, preds []int, avg fairness.Averaging) PRF {
	var tp, fp, fn float64
	for i := range labels {
		y, p := labels[i], preds[i]
		if avg == fairness.Binary {
			switch {
			case p == 1 && y == 1:
				tp++
			case p == 1:
				fp++
			case y == 1:
				fn++
			}
			continue
		}
		if p == y {
			tp++
		} else {
			fp++
			fn++
		}
	}
	out := PRF{
		Precision: ratio(tp, tp+fp),
		Recall:    ratio(tp, tp+fn),
	}
	out.F1 = ratio(2*out.Precision*out.Recall, out.Precision+out.Recall)
	return out
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// ROCAUC returns the area under the ROC curve of scores against binary
// labels (class 1 positive). Both classes must be present.
func ROCAUC(labels []int, scores []float64) (float64, error) {
	if len(labels) != len(scores) {
		return 0, fmt.Errorf("roc auc: %d labels for %d scores", len(labels), len(scores))
	}
	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	var pos int
	for i, l := range labels {
		classes[i] = l == 1
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(labels) {
		return 0, fmt.Errorf("%w: roc auc needs both classes, got %d positives of %d", ErrDegenerateEvaluation, pos, len(labels))
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}
