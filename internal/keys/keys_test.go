package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierRoundtrip(t *testing.T) {
	id := NewIdentifier()
	require.False(t, id.IsZero())

	parsed, err := ParseIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	fromBytes, err := IdentifierFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, fromBytes)
}

func TestIdentifierFromBytesRejectsWrongLength(t *testing.T) {
	_, err := IdentifierFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestRevisionEncodingPreservesNumericOrder(t *testing.T) {
	revs := []Revision{0, 1, 255, 256, 1 << 40}
	var encoded [][]byte
	for _, r := range revs {
		encoded = append(encoded, r.EncodeBigEndian())
	}
	for i := 1; i < len(encoded); i++ {
		assert.Less(t, string(encoded[i-1]), string(encoded[i]))
	}

	for _, r := range revs {
		got, err := DecodeRevision(r.EncodeBigEndian())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}

func TestKeyIdentifierFirstRoundtrip(t *testing.T) {
	k := Key{ID: NewIdentifier(), Rev: 42}
	encoded := k.EncodeIdentifierFirst()
	decoded, err := DecodeIdentifierFirst(encoded)
	require.NoError(t, err)
	assert.Equal(t, k, decoded)
}

func TestKeyIdentifierFirstOrdersByIdentifierThenRevision(t *testing.T) {
	id := NewIdentifier()
	low := Key{ID: id, Rev: 1}.EncodeIdentifierFirst()
	high := Key{ID: id, Rev: 2}.EncodeIdentifierFirst()
	assert.Less(t, string(low), string(high))
}
