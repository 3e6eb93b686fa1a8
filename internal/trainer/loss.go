package trainer

// MarginRanking is the weighted margin ranking loss
//
//	mean_i( max(0, margin + pos_i - neg_i) * w_i / mean(w) )
//
// with gradients w.r.t. pos and neg. weights may be nil (all ones). When every
// weight is zero the loss and its gradients are zero.
func MarginRanking(pos, neg, weights []float64, margin float64) (loss float64, dPos, dNeg []float64) {
	n := len(pos)
	dPos = make([]float64, n)
	dNeg = make([]float64, n)
	if n == 0 {
		return 0, dPos, dNeg
	}

	scale := 1.0
	if weights != nil {
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		if sum == 0 {
			return 0, dPos, dNeg
		}
		scale = float64(n) / sum
	}

	inv := 1 / float64(n)
	for i := 0; i < n; i++ {
		s := margin + pos[i] - neg[i]
		if s <= 0 {
			continue
		}
		w := scale
		if weights != nil {
			w *= weights[i]
		}
		loss += s * w
		dPos[i] = w * inv
		dNeg[i] = -w * inv
	}
	return loss * inv, dPos, dNeg
}
