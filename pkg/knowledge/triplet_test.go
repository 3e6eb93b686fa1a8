package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	tr := Triplet{Left: 3, Relation: 4, Right: 1 << 40}
	k, err := tr.Key()
	require.NoError(t, err)
	assert.Len(t, k, EncodedSize)

	got, err := Decode(k)
	require.NoError(t, err)
	assert.Equal(t, tr, got)
}

func TestKeyRejectsNegativeIDs(t *testing.T) {
	_, err := Triplet{Left: -1, Relation: 0, Right: 2}.Key()
	assert.ErrorIs(t, err, ErrEncoding)

	_, err = Decode("short")
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestFactSetMembership(t *testing.T) {
	fs, err := NewFactSet(
		[]Triplet{{0, 0, 5}, {1, 2, 6}},
		[]Triplet{{2, 4, 7}, {0, 0, 5}},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, fs.Len())

	ok, err := fs.Contains(Triplet{1, 2, 6})
	require.NoError(t, err)
	assert.True(t, ok)

	// same ids in a different slot are a different fact
	ok, err = fs.Contains(Triplet{6, 2, 1})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = fs.Contains(Triplet{0, -3, 5})
	assert.ErrorIs(t, err, ErrEncoding)
}
