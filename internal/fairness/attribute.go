// Package fairness holds the adversarial side of training: discriminators
// that predict a protected user attribute from embeddings, filters that try
// to scrub that attribute, and the set that holds one of each per attribute.
package fairness

import (
	"fmt"

	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// Kind identifies a protected (or control) attribute.
type Kind int

const (
	Gender Kind = iota
	Occupation
	Age
	Random

	NumKinds = 4
)

// Averaging selects how precision/recall/F1 are averaged.
type Averaging int

const (
	Binary Averaging = iota
	Micro
)

func (a Averaging) String() string {
	if a == Binary {
		return "binary"
	}
	return "micro"
}

// Attribute describes one protected attribute: its label width and how its
// classification metrics are averaged and reported.
type Attribute struct {
	Kind      Kind
	Name      string
	Classes   int
	Averaging Averaging
	ReportAUC bool
}

// Binary reports whether the attribute has two classes (single logit).
func (a Attribute) Binary() bool { return a.Classes == 2 }

// Label extracts the attribute value from a user profile.
func (a Attribute) Label(p knowledge.Profile) int {
	switch a.Kind {
	case Gender:
		return p.Gender
	case Occupation:
		return p.Occupation
	case Age:
		return p.Age
	default:
		return p.Random
	}
}

func (a Attribute) String() string { return a.Name }

var attributes = [NumKinds]Attribute{
	Gender:     {Kind: Gender, Name: "gender", Classes: 2, Averaging: Binary, ReportAUC: true},
	Occupation: {Kind: Occupation, Name: "occupation", Classes: knowledge.NumOccupations, Averaging: Micro},
	Age:        {Kind: Age, Name: "age", Classes: len(knowledge.AgeBins), Averaging: Micro},
	Random:     {Kind: Random, Name: "random", Classes: 2, Averaging: Micro, ReportAUC: true},
}

// AttributeOf returns the attribute descriptor for kind.
func AttributeOf(k Kind) Attribute {
	return attributes[k]
}

// Attributes lists all attributes in slot order.
func Attributes() []Attribute {
	return attributes[:]
}

// ParseAttribute resolves an attribute by name.
func ParseAttribute(name string) (Attribute, error) {
	for _, a := range attributes {
		if a.Name == name {
			return a, nil
		}
	}
	return Attribute{}, fmt.Errorf("unknown attribute %q", name)
}
