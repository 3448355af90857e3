package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
)

func addressFor(t *testing.T, signer *crypto.Ed25519Signer) address.Address {
	t.Helper()
	hash := crypto.HashPublicKey(signer.PublicKey())
	return address.PublicKey(hash)
}

func TestSignAndDecodeRoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	addr := addressFor(t, signer)

	env, err := Sign(signer, addr, []byte("payload"))
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, []byte("payload"), decoded.Payload)
	assert.Equal(t, env.Signature, decoded.Signature)
	assert.Equal(t, addr.ToBytes(), decoded.Protected.KeyID)
}

func TestSignAnonymousProducesUnsignedEnvelope(t *testing.T) {
	env, err := Sign(nil, address.Anonymous, []byte("payload"))
	require.NoError(t, err)
	assert.Empty(t, env.Signature)
	assert.Empty(t, env.Protected.KeyID)

	data, err := env.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), decoded.Payload)
}

func TestRawProtectedBytesStable(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	addr := addressFor(t, signer)

	env, err := Sign(signer, addr, []byte("x"))
	require.NoError(t, err)

	b1, err := env.RawProtectedBytes()
	require.NoError(t, err)
	b2, err := env.RawProtectedBytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
