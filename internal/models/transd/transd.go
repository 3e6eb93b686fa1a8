package transd

import (
	"fmt"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/fairkg/internal/models"
	"github.com/cnclabs/fairkg/internal/nn"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// TransD implements TransD (knowledge graph embedding via dynamic mapping
// matrices). Every entity e and relation r carries a vector and a projection
// vector; an entity is mapped into relation space as
//
//	e⊥ = e + (e_p · e) r_p
//
// and a triplet (h, r, t) has energy ||h⊥ + r - t⊥||, lower = better fit.
type TransD struct {
	dim  int
	norm int // 1 or 2

	ent     *nn.Param // entity vectors
	entProj *nn.Param // entity projection vectors
	rel     *nn.Param // relation vectors
	relProj *nn.Param // relation projection vectors

	frozen bool
}

// New creates a TransD model over numEnt entities and numRel relations.
func New(numEnt, numRel int64, dim, norm int, rng *rand.Rand) *TransD {
	m := &TransD{
		dim:     dim,
		norm:    norm,
		ent:     nn.NewParam("transd.ent", int(numEnt), dim, true),
		entProj: nn.NewParam("transd.ent_proj", int(numEnt), dim, true),
		rel:     nn.NewParam("transd.rel", int(numRel), dim, true),
		relProj: nn.NewParam("transd.rel_proj", int(numRel), dim, true),
	}
	for _, p := range m.Params() {
		for i := range p.Data {
			p.Data[i] = (rng.Float64() - 0.5) / float64(dim)
		}
	}
	m.Normalize()
	return m
}

// Dim returns the embedding dimension.
func (m *TransD) Dim() int { return m.dim }

// Params returns the four embedding tables.
func (m *TransD) Params() []*nn.Param {
	return []*nn.Param{m.ent, m.entProj, m.rel, m.relProj}
}

// Freeze stops all parameter updates.
func (m *TransD) Freeze() {
	m.frozen = true
	nn.Freeze(m.Params())
}

// Frozen reports whether the model is frozen.
func (m *TransD) Frozen() bool { return m.frozen }

// Normalize rescales entity rows whose L2 norm exceeds 1.
func (m *TransD) Normalize() {
	if m.frozen {
		return
	}
	for i := 0; i < m.ent.Rows; i++ {
		row := m.ent.Row(i)
		if n := floats.Norm(row, 2); n > 1 {
			floats.Scale(1/n, row)
		}
	}
}

// project maps entity e into the space of relation r.
func (m *TransD) project(e, r int64) []float64 {
	ev := m.ent.Row(int(e))
	out := append([]float64(nil), ev...)
	s := floats.Dot(m.entProj.Row(int(e)), ev)
	floats.AddScaled(out, s, m.relProj.Row(int(r)))
	return out
}

// EnergyOf returns ||lhs + rel - rhs|| and its gradient with respect to the
// difference vector.
func (m *TransD) EnergyOf(lhs, rel, rhs []float64) (float64, []float64) {
	d := make([]float64, len(lhs))
	floats.AddTo(d, lhs, rel)
	floats.Sub(d, rhs)

	grad := make([]float64, len(d))
	if m.norm == 1 {
		for i, v := range d {
			switch {
			case v > 0:
				grad[i] = 1
			case v < 0:
				grad[i] = -1
			}
		}
		return floats.Norm(d, 1), grad
	}
	e := floats.Norm(d, 2)
	if e > 1e-12 {
		floats.ScaleTo(grad, 1/e, d)
	}
	return e, grad
}

// Score returns the energy of every triplet.
func (m *TransD) Score(batch []knowledge.Triplet) []float64 {
	out := make([]float64, len(batch))
	for i, t := range batch {
		out[i], _ = m.EnergyOf(m.project(t.Left, t.Relation), m.rel.Row(int(t.Relation)), m.project(t.Right, t.Relation))
	}
	return out
}

// Forward returns energies and the projected embeddings of every triplet.
func (m *TransD) Forward(batch []knowledge.Triplet) *models.Pass {
	p := &models.Pass{
		Batch:    batch,
		Energies: make([]float64, len(batch)),
		Lhs:      make([][]float64, len(batch)),
		Rhs:      make([][]float64, len(batch)),
		Rel:      make([][]float64, len(batch)),
	}
	for i, t := range batch {
		p.Lhs[i] = m.project(t.Left, t.Relation)
		p.Rhs[i] = m.project(t.Right, t.Relation)
		p.Rel[i] = append([]float64(nil), m.rel.Row(int(t.Relation))...)
		p.Energies[i], _ = m.EnergyOf(p.Lhs[i], p.Rel[i], p.Rhs[i])
	}
	return p
}

// Embed returns the projections of ents into the spaces of rels.
func (m *TransD) Embed(ents, rels []int64) [][]float64 {
	out := make([][]float64, len(ents))
	for i := range ents {
		out[i] = m.project(ents[i], rels[i])
	}
	return out
}

// Backward accumulates gradients of the tables for pass.
func (m *TransD) Backward(pass *models.Pass, grad *models.Grad) {
	if m.frozen {
		return
	}
	gh := make([]float64, m.dim)
	gt := make([]float64, m.dim)
	gr := make([]float64, m.dim)
	for i, t := range pass.Batch {
		clear(gh)
		clear(gt)
		clear(gr)
		if grad.Energies != nil && grad.Energies[i] != 0 {
			_, dd := m.EnergyOf(pass.Lhs[i], pass.Rel[i], pass.Rhs[i])
			floats.AddScaled(gh, grad.Energies[i], dd)
			floats.AddScaled(gt, -grad.Energies[i], dd)
			floats.AddScaled(gr, grad.Energies[i], dd)
		}
		addRow(gh, grad.Lhs, i)
		addRow(gt, grad.Rhs, i)
		addRow(gr, grad.Rel, i)

		m.projectBackward(t.Left, t.Relation, gh)
		m.projectBackward(t.Right, t.Relation, gt)
		floats.Add(m.rel.GradRow(int(t.Relation)), gr)
	}
}

func addRow(dst []float64, src [][]float64, i int) {
	if src != nil && src[i] != nil {
		floats.Add(dst, src[i])
	}
}

// projectBackward pushes the gradient g of e⊥ = e + (e_p·e) r_p into the
// tables.
func (m *TransD) projectBackward(e, r int64, g []float64) {
	ev := m.ent.Row(int(e))
	ep := m.entProj.Row(int(e))
	rp := m.relProj.Row(int(r))

	s := floats.Dot(g, rp)
	ge := m.ent.GradRow(int(e))
	floats.Add(ge, g)
	floats.AddScaled(ge, s, ep)
	floats.AddScaled(m.entProj.GradRow(int(e)), s, ev)
	floats.AddScaled(m.relProj.GradRow(int(r)), floats.Dot(ep, ev), g)
}

// SaveEmbeddings writes entity and relation vectors in the word2vec text
// format ("count dim" header, then "name v1 v2 ...").
func (m *TransD) SaveEmbeddings(entityFile, relationFile string, entityName func(int64) string) error {
	if err := writeTable(entityFile, m.ent, entityName); err != nil {
		return err
	}
	return writeTable(relationFile, m.rel, func(id int64) string { return fmt.Sprintf("r%d", id) })
}

func writeTable(filename string, p *nn.Param, name func(int64) string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer f.Close()

	fmt.Fprintf(f, "%d %d\n", p.Rows, p.Cols)
	for i := 0; i < p.Rows; i++ {
		fmt.Fprintf(f, "%s", name(int64(i)))
		for _, v := range p.Row(i) {
			fmt.Fprintf(f, " %.6f", v)
		}
		fmt.Fprintln(f)
	}
	return nil
}

var (
	_ models.Scorer     = (*TransD)(nil)
	_ models.Normalizer = (*TransD)(nil)
)
