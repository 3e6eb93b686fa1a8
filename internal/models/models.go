// Package models defines the contract between the adversarial trainer and an
// embedding scorer.
package models

import (
	"github.com/cnclabs/fairkg/internal/nn"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// Pass is the detailed output of one scorer forward call. Row i of every
// field belongs to Batch[i]. Energy is lower for more plausible triplets.
type Pass struct {
	Batch    []knowledge.Triplet
	Energies []float64
	Lhs      [][]float64 // left entity embeddings
	Rhs      [][]float64 // right entity embeddings
	Rel      [][]float64 // relation embeddings

	// Cache is scorer private state needed by Backward.
	Cache any
}

// Grad holds upstream gradients for a Pass. Nil fields (or nil rows) mean
// zero gradient.
type Grad struct {
	Energies []float64
	Lhs      [][]float64
	Rhs      [][]float64
	Rel      [][]float64
}

// Scorer maps triplets to energies and embeddings.
type Scorer interface {
	// Score returns one energy per triplet.
	Score(batch []knowledge.Triplet) []float64
	// Forward returns energies together with the left, right and relation
	// embeddings used to compute them.
	Forward(batch []knowledge.Triplet) *Pass
	// Backward accumulates parameter gradients for a pass produced by
	// Forward. It is a no-op while the scorer is frozen.
	Backward(pass *Pass, grad *Grad)
	// Embed returns the relation-specific embeddings of entities.
	Embed(ents, rels []int64) [][]float64
	// EnergyOf recomputes an energy from explicit embeddings using the same
	// distance as Score, and returns the gradient of the energy w.r.t. the
	// difference vector lhs+rel-rhs.
	EnergyOf(lhs, rel, rhs []float64) (float64, []float64)

	Params() []*nn.Param
	Freeze()
	Frozen() bool
	Dim() int
}

// Normalizer is implemented by scorers that constrain their parameters after
// each epoch.
type Normalizer interface {
	Normalize()
}
