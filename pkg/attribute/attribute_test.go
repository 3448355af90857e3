package attribute

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRoundTripBareAndArgs(t *testing.T) {
	arg, err := cbor.Marshal("hello")
	require.NoError(t, err)

	s := NewSet(
		Attribute{ID: Ledger},
		Attribute{ID: Async, Arguments: []cbor.RawMessage{arg}},
	)

	data, err := s.MarshalCBOR()
	require.NoError(t, err)

	var decoded Set
	require.NoError(t, decoded.UnmarshalCBOR(data))

	assert.True(t, decoded.Has(Ledger))
	assert.True(t, decoded.Has(Async))
	a, ok := decoded.Get(Async)
	require.True(t, ok)
	require.Len(t, a.Arguments, 1)
}

func TestSetIDsAreAscending(t *testing.T) {
	s := NewSet(Attribute{ID: 100}, Attribute{ID: 2}, Attribute{ID: 9})
	assert.Equal(t, []uint32{2, 9, 100}, s.IDs())
}

func TestSetEncodingIsAscendingByID(t *testing.T) {
	s := NewSet(Attribute{ID: 100}, Attribute{ID: 2})
	data, err := s.MarshalCBOR()
	require.NoError(t, err)

	var raw []uint32
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.Equal(t, []uint32{2, 100}, raw)
}

func TestIndexRoundTripBare(t *testing.T) {
	idx := Index{Attribute: 4}
	data, err := idx.MarshalCBOR()
	require.NoError(t, err)

	var decoded Index
	require.NoError(t, decoded.UnmarshalCBOR(data))
	assert.Equal(t, idx, decoded)
}

func TestIndexRoundTripWithSubPath(t *testing.T) {
	idx := Index{Attribute: 4, SubPath: []uint32{1, 2}}
	data, err := idx.MarshalCBOR()
	require.NoError(t, err)

	var decoded Index
	require.NoError(t, decoded.UnmarshalCBOR(data))
	assert.Equal(t, idx, decoded)
}

func TestIndexTruncatesAtMaxDepth(t *testing.T) {
	idx := Index{Attribute: 1, SubPath: []uint32{2, 3, 4, 5, 6, 7}}
	data, err := idx.MarshalCBOR()
	require.NoError(t, err)

	var decoded Index
	require.NoError(t, decoded.UnmarshalCBOR(data))
	assert.LessOrEqual(t, len(decoded.SubPath), maxIndexDepth-1)
}
