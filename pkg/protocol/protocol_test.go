package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/attribute"
	"github.com/liftedinit/many-go/pkg/manyerr"
)

func testAddress(b byte) address.Address {
	var h [address.HashSize]byte
	h[0] = b
	return address.PublicKey(h)
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Version:   Version,
		From:      testAddress(1),
		To:        testAddress(2),
		Method:    "ledger.send",
		Data:      []byte{0xde, 0xad},
		Timestamp: time.Unix(1700000000, 0).UTC(),
		ID:        []byte{1, 2, 3},
		Attributes: attribute.NewSet(attribute.Attribute{ID: attribute.Ledger}),
	}

	data, err := req.MarshalCBOR()
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, decoded.UnmarshalCBOR(data))

	assert.Equal(t, req.Version, decoded.Version)
	assert.True(t, req.From.Equal(decoded.From))
	assert.True(t, req.To.Equal(decoded.To))
	assert.Equal(t, req.Method, decoded.Method)
	assert.Equal(t, req.Data, decoded.Data)
	assert.Equal(t, req.Timestamp.Unix(), decoded.Timestamp.Unix())
	assert.True(t, decoded.Attributes.Has(attribute.Ledger))
}

func TestRequestAnonymousFromOmitted(t *testing.T) {
	req := Request{Version: Version, From: address.Anonymous, To: testAddress(2), Method: "status"}
	data, err := req.MarshalCBOR()
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, decoded.UnmarshalCBOR(data))
	assert.True(t, decoded.From.IsAnonymous())
}

func TestResponseRoundTripSuccess(t *testing.T) {
	resp := Response{
		Version: Version,
		From:    testAddress(3),
		Data:    []byte("ok"),
	}
	data, err := resp.MarshalCBOR()
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, decoded.UnmarshalCBOR(data))
	assert.Nil(t, decoded.Err)
	assert.Equal(t, resp.Data, decoded.Data)
}

func TestResponseRoundTripError(t *testing.T) {
	resp := Response{
		Version: Version,
		From:    testAddress(3),
		Err:     manyerr.UnknownDestination("oxxxxx"),
	}
	data, err := resp.MarshalCBOR()
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, decoded.UnmarshalCBOR(data))
	require.NotNil(t, decoded.Err)
	assert.Equal(t, resp.Err.Code, decoded.Err.Code)
}
