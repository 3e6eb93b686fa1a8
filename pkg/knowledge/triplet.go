package knowledge

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrEncoding is returned when a triplet cannot be serialized to its
// canonical byte form.
var ErrEncoding = errors.New("knowledge: triplet encoding error")

// EncodedSize is the length of a serialized triplet.
const EncodedSize = 24

// Triplet is a (left entity, relation, right entity) fact.
// Users occupy [0, NumUsers) and movies [NumUsers, NumUsers+NumMovies).
type Triplet struct {
	Left     int64
	Relation int64
	Right    int64
}

// Key returns the canonical byte encoding of t as a map key.
// Two triplets share a key only if all three ids are equal.
func (t Triplet) Key() (string, error) {
	if t.Left < 0 || t.Relation < 0 || t.Right < 0 {
		return "", fmt.Errorf("%w: negative id in (%d, %d, %d)", ErrEncoding, t.Left, t.Relation, t.Right)
	}
	var buf [EncodedSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.Left))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.Relation))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(t.Right))
	return string(buf[:]), nil
}

// Decode is the inverse of Key.
func Decode(key string) (Triplet, error) {
	if len(key) != EncodedSize {
		return Triplet{}, fmt.Errorf("%w: key length %d", ErrEncoding, len(key))
	}
	b := []byte(key)
	return Triplet{
		Left:     int64(binary.LittleEndian.Uint64(b[0:8])),
		Relation: int64(binary.LittleEndian.Uint64(b[8:16])),
		Right:    int64(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}

// Lefts returns the left entity ids of batch in order.
func Lefts(batch []Triplet) []int64 {
	out := make([]int64, len(batch))
	for i, t := range batch {
		out[i] = t.Left
	}
	return out
}

// Relations returns the relation ids of batch in order.
func Relations(batch []Triplet) []int64 {
	out := make([]int64, len(batch))
	for i, t := range batch {
		out[i] = t.Relation
	}
	return out
}

// FactSet is the set of observed (known-true) triplets, keyed by their byte
// encoding. It is immutable once built.
type FactSet struct {
	keys map[string]struct{}
}

// NewFactSet builds the observed-fact set from one or more triplet slices.
func NewFactSet(sets ...[]Triplet) (*FactSet, error) {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	fs := &FactSet{keys: make(map[string]struct{}, n)}
	for _, s := range sets {
		for _, t := range s {
			k, err := t.Key()
			if err != nil {
				return nil, err
			}
			fs.keys[k] = struct{}{}
		}
	}
	return fs, nil
}

// Contains reports whether t is an observed fact.
func (fs *FactSet) Contains(t Triplet) (bool, error) {
	k, err := t.Key()
	if err != nil {
		return false, err
	}
	_, ok := fs.keys[k]
	return ok, nil
}

// Len returns the number of distinct facts.
func (fs *FactSet) Len() int {
	return len(fs.keys)
}
