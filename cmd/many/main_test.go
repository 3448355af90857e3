package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/envelope"
)

func TestIDHexToTextRoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	addr := address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))

	var stdout, stderr bytes.Buffer
	hexBytes := hex.EncodeToString(addr.ToBytes())
	code := Run([]string{"many", "id", hexBytes}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, addr.String(), trimNL(stdout.String()))

	stdout.Reset()
	code = Run([]string{"many", "id", addr.String()}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, hexBytes, trimNL(stdout.String()))
}

func TestIDWithSubresource(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	addr := address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))
	hexBytes := hex.EncodeToString(addr.ToBytes())

	var stdout, stderr bytes.Buffer
	code := Run([]string{"many", "id", hexBytes, "1"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	want, err := addr.WithSubresourceID(1)
	require.NoError(t, err)
	assert.Equal(t, want.String(), trimNL(stdout.String()))
}

func TestIDDerivesFromPEMFile(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id.pem")
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	want := address.PublicKey(crypto.HashPublicKey(pub))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"many", "id", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, want.String(), trimNL(stdout.String()))
}

func TestMessageBuildsAnonymousEnvelope(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"many", "message", "--method", "heartbeat", "--hex"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	wire, err := hex.DecodeString(trimNL(stdout.String()))
	require.NoError(t, err)
	env, err := envelope.Decode(wire)
	require.NoError(t, err)
	assert.Empty(t, env.Signature)
}

func TestMessageRequiresMethod(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"many", "message"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
