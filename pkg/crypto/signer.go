package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Signer produces an envelope signature over arbitrary message bytes and
// exposes the public key needed to verify it.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer is the standard (non-WebAuthn) envelope signer.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// LoadEd25519SignerFromPEM reads a PKCS#8 "PRIVATE KEY" PEM block and
// wraps its Ed25519 key, mirroring the CLI's --pem identity flag.
func LoadEd25519SignerFromPEM(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read pem file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse PKCS8 key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: pem file does not contain an ed25519 key")
	}
	return NewEd25519SignerFromKey(priv), nil
}
