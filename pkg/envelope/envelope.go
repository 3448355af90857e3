// Package envelope implements the signed COSE-like wrapper around every
// Request/Response payload (spec.md §3 "Envelope", §4.2 "Envelope Codec").
//
// The wire shape is a 4-element CBOR array — [protected, unprotected,
// payload, signature] — deliberately close to COSE_Sign1 but not decoded
// with a COSE library: the protocol's custom tag values (10001/10002) and
// its WebAuthn-specific unprotected-header fields (clientData, authData,
// a second signature) don't fit go-cose's fixed tag-18 COSE_Sign1 shape.
package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
)

// CoseKey is the embedded public key carried in the protected header's key
// set, identified by the same address-derivable hash as the envelope's
// key id.
type CoseKey struct {
	KeyID     []byte `cbor:"2,keyasint"`
	Algorithm string `cbor:"3,keyasint"`
	X         []byte `cbor:"-2,keyasint"`
	Y         []byte `cbor:"-3,keyasint,omitempty"`
}

// ProtectedHeader is serialized to bytes and signed over; it is never
// mutated after signing.
type ProtectedHeader struct {
	Algorithm string    `cbor:"1,keyasint"`
	KeyID     []byte    `cbor:"4,keyasint,omitempty"`
	KeySet    []CoseKey `cbor:"-1,keyasint,omitempty"`
	WebAuthn  bool      `cbor:"100,keyasint,omitempty"`
}

// UnprotectedHeader carries the WebAuthn sub-flow's extra fields; it is
// empty for standard envelopes.
type UnprotectedHeader struct {
	ClientData string `cbor:"101,keyasint,omitempty"`
	AuthData   []byte `cbor:"102,keyasint,omitempty"`
	Signature  []byte `cbor:"103,keyasint,omitempty"`
}

// Envelope is the decoded wire form.
type Envelope struct {
	Protected   ProtectedHeader
	Unprotected UnprotectedHeader
	Payload     []byte
	Signature   []byte
}

const (
	algEdDSA = "EdDSA"
)

// wireEnvelope is the literal 4-element array shape.
type wireEnvelope struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected UnprotectedHeader
	Payload     []byte
	Signature   []byte
}

// Encode serializes the envelope to its wire bytes.
func (e Envelope) Encode() ([]byte, error) {
	protectedBytes, err := crypto.CanonicalMarshal(e.Protected)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal protected header: %w", err)
	}
	w := wireEnvelope{
		Protected:   protectedBytes,
		Unprotected: e.Unprotected,
		Payload:     e.Payload,
		Signature:   e.Signature,
	}
	out, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses wire bytes into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode envelope: %w", err)
	}
	var protected ProtectedHeader
	if len(w.Protected) > 0 {
		if err := cbor.Unmarshal(w.Protected, &protected); err != nil {
			return Envelope{}, fmt.Errorf("envelope: decode protected header: %w", err)
		}
	}
	return Envelope{
		Protected:   protected,
		Unprotected: w.Unprotected,
		Payload:     w.Payload,
		Signature:   w.Signature,
	}, nil
}

// sigStructure builds the canonical bytes signed over: a COSE-style
// Sig_structure array with an empty external_aad, computed from the raw
// protected-header bytes rather than the re-encoded struct, so signing and
// verification always agree byte-for-byte. Encoded with CanonicalMarshal
// so the signed bytes never depend on encoder-internal map ordering.
func sigStructure(protectedBytes, payload []byte) ([]byte, error) {
	arr := []any{"Signature1", protectedBytes, []byte{}, payload}
	out, err := crypto.CanonicalMarshal(arr)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal sig structure: %w", err)
	}
	return out, nil
}

// Sign builds and signs a standard (non-WebAuthn) envelope around payload.
// An Anonymous signer produces an unsigned envelope with empty key id and
// signature.
func Sign(signer crypto.Signer, signerAddr address.Address, payload []byte) (Envelope, error) {
	if signerAddr.IsAnonymous() {
		return Envelope{Payload: payload}, nil
	}

	protected := ProtectedHeader{
		Algorithm: algEdDSA,
		KeyID:     signerAddr.ToBytes(),
		KeySet: []CoseKey{{
			KeyID:     signerAddr.ToBytes(),
			Algorithm: algEdDSA,
			X:         signer.PublicKey(),
		}},
	}
	protectedBytes, err := crypto.CanonicalMarshal(protected)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal protected header: %w", err)
	}
	toSign, err := sigStructure(protectedBytes, payload)
	if err != nil {
		return Envelope{}, err
	}
	sig, err := signer.Sign(toSign)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: sign: %w", err)
	}

	return Envelope{Protected: protected, Payload: payload, Signature: sig}, nil
}

// RawProtectedBytes re-derives the exact bytes the protected header was
// signed over, needed both for standard verification and for the
// WebAuthn challenge's protected-header equality check.
func (e Envelope) RawProtectedBytes() ([]byte, error) {
	b, err := crypto.CanonicalMarshal(e.Protected)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal protected header: %w", err)
	}
	return b, nil
}

// SigStructureBytes exposes the canonical signed bytes for a given
// protected-header encoding and payload; used by verifiers.
func SigStructureBytes(protectedBytes, payload []byte) ([]byte, error) {
	return sigStructure(protectedBytes, payload)
}
