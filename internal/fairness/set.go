package fairness

import (
	"fmt"
	"math/rand"
)

// Mask selects which slots take part in one training step.
//
// With masking disabled the trainer uses All(), so every configured slot
// participates in every step.
type Mask [NumKinds]bool

// All selects every slot.
func All() Mask {
	var m Mask
	for i := range m {
		m[i] = true
	}
	return m
}

// DrawMask selects each slot independently with probability 1/2.
func DrawMask(rng *rand.Rand) Mask {
	var m Mask
	for i := range m {
		m[i] = rng.Intn(2) == 1
	}
	return m
}

// Slot holds the discriminator of one enabled attribute. The discriminator
// carries its own optimizer state, so stepping a slot never touches another.
type Slot struct {
	Disc *Discriminator
}

// Freeze stops the slot's discriminator from training. A frozen slot is still
// active: it judges and reports, it just never steps.
func (s *Slot) Freeze() { s.Disc.Freeze() }

// Frozen reports whether the slot stopped training.
func (s *Slot) Frozen() bool { return s.Disc.Frozen() }

// Set holds one discriminator slot and one filter per attribute kind.
type Set struct {
	slots   [NumKinds]*Slot
	filters [NumKinds]Filter
}

// NewSet returns an empty set: every slot disabled, no filters.
func NewSet() *Set {
	return &Set{}
}

// Enable installs disc with a fresh optimizer built from mode and lr.
func (s *Set) Enable(disc *Discriminator, mode string, lr float64) error {
	if err := disc.SetOptimizer(mode, lr); err != nil {
		return err
	}
	s.slots[disc.Attribute().Kind] = &Slot{Disc: disc}
	return nil
}

// Freeze freezes the slot of kind. It reports false when the slot is
// disabled.
func (s *Set) Freeze(k Kind) bool {
	if s.slots[k] == nil {
		return false
	}
	s.slots[k].Freeze()
	return true
}

// Disable empties the slot of kind.
func (s *Set) Disable(k Kind) {
	s.slots[k] = nil
}

// SetFilter installs (or with nil removes) the filter of an attribute.
func (s *Set) SetFilter(k Kind, f Filter) {
	s.filters[k] = f
}

// SetFilterOptimizer gives every present filter a fresh optimizer of its own.
func (s *Set) SetFilterOptimizer(mode string, lr float64) error {
	for _, f := range s.Filters() {
		if err := f.SetOptimizer(mode, lr); err != nil {
			return fmt.Errorf("filter %s: %w", f.Attribute(), err)
		}
	}
	return nil
}

// Slot returns the slot of kind, nil when disabled.
func (s *Set) Slot(k Kind) *Slot {
	return s.slots[k]
}

// Filter returns the filter of kind, nil when absent.
func (s *Set) Filter(k Kind) Filter {
	return s.filters[k]
}

// Active returns the enabled slots selected by m, in kind order.
func (s *Set) Active(m Mask) []*Slot {
	var out []*Slot
	for k, slot := range s.slots {
		if slot != nil && m[k] {
			out = append(out, slot)
		}
	}
	return out
}

// ActiveFilters returns the present filters selected by m, in kind order.
func (s *Set) ActiveFilters(m Mask) []Filter {
	var out []Filter
	for k, f := range s.filters {
		if f != nil && m[k] {
			out = append(out, f)
		}
	}
	return out
}

// Filters returns every present filter.
func (s *Set) Filters() []Filter {
	return s.ActiveFilters(All())
}

// Enabled counts enabled slots regardless of any mask.
func (s *Set) Enabled() int {
	return len(s.Active(All()))
}
