// Package verifier composes the envelope signature verifiers: anonymous
// (no signature), standard key-signature, and the WebAuthn challenge-bound
// variant (spec.md §4.2.2-§4.2.3).
package verifier

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/envelope"
	"github.com/liftedinit/many-go/pkg/manyerr"
)

// Registry dispatches envelope verification to the anonymous, standard, or
// WebAuthn verifier based on the envelope's shape.
type Registry struct {
	// AllowedOrigins restricts which WebAuthn client origins are accepted;
	// empty means accept any origin.
	AllowedOrigins map[string]bool
}

// NewRegistry builds a Registry with an optional origin allow-list.
func NewRegistry(allowedOrigins ...string) *Registry {
	r := &Registry{AllowedOrigins: make(map[string]bool, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		r.AllowedOrigins[o] = true
	}
	return r
}

// Verify recovers and returns the sender Address, or a CouldNotVerifySignature error.
func (r *Registry) Verify(env envelope.Envelope) (address.Address, error) {
	if env.Protected.WebAuthn {
		return r.verifyWebAuthn(env)
	}
	return verifyStandard(env)
}

func verifyStandard(env envelope.Envelope) (address.Address, error) {
	keyID := env.Protected.KeyID
	if len(keyID) == 0 {
		if len(env.Signature) != 0 {
			return address.Address{}, manyerr.CouldNotVerifySignature("empty key id with non-empty signature")
		}
		return address.Anonymous, nil
	}

	signer, err := address.FromBytes(keyID)
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("key id is not a valid address")
	}

	var matchKey *envelope.CoseKey
	for i := range env.Protected.KeySet {
		k := env.Protected.KeySet[i]
		hash := crypto.HashPublicKey(k.X)
		if signer.MatchesKey(&hash) {
			matchKey = &env.Protected.KeySet[i]
			break
		}
	}
	if matchKey == nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("no embedded key matches key id")
	}

	protectedBytes, err := env.RawProtectedBytes()
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("could not re-derive protected header")
	}
	toVerify, err := envelope.SigStructureBytes(protectedBytes, env.Payload)
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("could not build signature structure")
	}

	if !crypto.VerifyEd25519(matchKey.X, toVerify, env.Signature) {
		return address.Address{}, manyerr.CouldNotVerifySignature("signature mismatch")
	}
	return signer, nil
}

// webAuthnChallenge is the CBOR map embedded (base64url, no padding) in
// clientData.challenge: {0: protected_header_bytes, 1: request_message_sha}.
type webAuthnChallenge struct {
	ProtectedHeader []byte `cbor:"0,keyasint"`
	RequestSHA      []byte `cbor:"1,keyasint"`
}

type clientData struct {
	Type      string `json:"type"`
	Origin    string `json:"origin"`
	Challenge string `json:"challenge"`
}

func (r *Registry) verifyWebAuthn(env envelope.Envelope) (address.Address, error) {
	if env.Unprotected.ClientData == "" {
		return address.Address{}, manyerr.CouldNotVerifySignature("missing clientData")
	}
	var cd clientData
	if err := json.Unmarshal([]byte(env.Unprotected.ClientData), &cd); err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("clientData is not valid JSON")
	}
	if cd.Type != "webauthn.get" {
		return address.Address{}, manyerr.CouldNotVerifySignature("clientData type is not webauthn.get")
	}

	origin, err := url.Parse(cd.Origin)
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("clientData origin is not a valid URL")
	}
	if len(r.AllowedOrigins) > 0 && !r.AllowedOrigins[origin.String()] {
		return address.Address{}, manyerr.CouldNotVerifySignature("origin not allowed")
	}

	authData := env.Unprotected.AuthData
	signature := env.Unprotected.Signature
	if len(authData) == 0 || len(signature) == 0 {
		return address.Address{}, manyerr.CouldNotVerifySignature("missing authData or signature")
	}

	challengeBytes, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("challenge is not valid base64url")
	}
	var challenge webAuthnChallenge
	if err := cbor.Unmarshal(challengeBytes, &challenge); err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("challenge is not a valid CBOR map")
	}

	payloadSHA := sha512.Sum512(env.Payload)
	expectedSHA := base64.RawURLEncoding.EncodeToString(payloadSHA[:])
	gotSHA := base64.RawURLEncoding.EncodeToString(challenge.RequestSHA)
	if expectedSHA != gotSHA {
		return address.Address{}, manyerr.CouldNotVerifySignature("challenge SHA doesn't match")
	}

	ourProtectedBytes, err := env.RawProtectedBytes()
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("could not re-derive protected header")
	}
	if !bytesEqual(ourProtectedBytes, challenge.ProtectedHeader) {
		return address.Address{}, manyerr.CouldNotVerifySignature("protected header doesn't match")
	}

	keyID := env.Protected.KeyID
	if len(keyID) == 0 {
		return address.Address{}, manyerr.CouldNotVerifySignature("missing key id")
	}
	signer, err := address.FromBytes(keyID)
	if err != nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("key id is not a valid address")
	}

	var pub *ecdsa.PublicKey
	for i := range env.Protected.KeySet {
		k := env.Protected.KeySet[i]
		candidate, err := ecdsaKeyFromCose(k)
		if err != nil {
			continue
		}
		hash := crypto.HashECDSAPublicKey(candidate.Curve, candidate.X, candidate.Y)
		if signer.MatchesKey(&hash) {
			pub = candidate
			break
		}
	}
	if pub == nil {
		return address.Address{}, manyerr.CouldNotVerifySignature("no embedded key matches key id")
	}

	clientDataHash := sha256.Sum256([]byte(env.Unprotected.ClientData))
	signedMessage := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedMessage)

	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return address.Address{}, manyerr.CouldNotVerifySignature("ECDSA signature mismatch")
	}

	return signer, nil
}

// ecdsaKeyFromCose parses an embedded key's raw X/Y coordinates into an
// ECDSA public key on P-256, the only curve the WebAuthn sub-flow uses.
func ecdsaKeyFromCose(k envelope.CoseKey) (*ecdsa.PublicKey, error) {
	if len(k.X) == 0 || len(k.Y) == 0 {
		return nil, fmt.Errorf("verifier: webauthn key missing coordinates")
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(k.X)
	y := new(big.Int).SetBytes(k.Y)
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("verifier: webauthn key not on curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
