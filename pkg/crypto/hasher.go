package crypto

import (
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha3"
	"fmt"
	"math/big"
)

// HashSize matches the address package's public-key hash width.
const HashSize = 28

// COSE_Key (RFC 8152 §7, §13) field values this package produces. Only the
// two key types the envelope codec signs with are represented: Ed25519
// (OKP/crv=6) for standard envelopes and P-256 (EC2/crv=1) for the WebAuthn
// sub-flow.
const (
	coseKtyOKP = 1
	coseKtyEC2 = 2

	coseCrvEd25519 = 6
	coseCrvP256    = 1

	coseAlgEdDSA    = -8
	coseKeyOpVerify = 2
)

// cosePublicKey is the canonical public-key structure an Address's hash
// component is derived from — never the raw key bytes. Encoding it with
// CanonicalMarshal (sorted keys, shortest-form integers) makes the digest
// independent of field declaration order and reproducible across
// implementations that serialize the same COSE_Key fields.
type cosePublicKey struct {
	Kty    int    `cbor:"1,keyasint"`
	Alg    int    `cbor:"3,keyasint,omitempty"`
	KeyOps []int  `cbor:"4,keyasint,omitempty"`
	Crv    int    `cbor:"-1,keyasint"`
	X      []byte `cbor:"-2,keyasint"`
	Y      []byte `cbor:"-3,keyasint,omitempty"`
}

// HashPublicKey returns the SHA3-224 digest of pub's canonical COSE_Key
// encoding, the value a PublicKey Address's hash component is derived from.
func HashPublicKey(pub ed25519.PublicKey) [HashSize]byte {
	return hashCosePublicKey(cosePublicKey{
		Kty:    coseKtyOKP,
		Alg:    coseAlgEdDSA,
		KeyOps: []int{coseKeyOpVerify},
		Crv:    coseCrvEd25519,
		X:      append([]byte{}, pub...),
	})
}

// HashECDSAPublicKey is HashPublicKey's WebAuthn counterpart: it derives an
// Address hash from a P-256 point the same way, through the point's
// canonical COSE_Key encoding rather than its raw coordinate bytes.
func HashECDSAPublicKey(curve elliptic.Curve, x, y *big.Int) [HashSize]byte {
	size := (curve.Params().BitSize + 7) / 8
	return hashCosePublicKey(cosePublicKey{
		Kty: coseKtyEC2,
		Crv: coseCrvP256,
		X:   x.FillBytes(make([]byte, size)),
		Y:   y.FillBytes(make([]byte, size)),
	})
}

func hashCosePublicKey(key cosePublicKey) [HashSize]byte {
	enc, err := CanonicalMarshal(key)
	if err != nil {
		panic(fmt.Sprintf("crypto: marshal cose public key: %v", err))
	}
	return sha3.Sum224(enc)
}
