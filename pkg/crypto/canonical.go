// Package crypto implements the signing primitives behind envelopes:
// Ed25519 signers/verifiers and the process-wide HSM singleton (spec.md §9).
package crypto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("crypto: building canonical CBOR encoder: %v", err))
	}
	return mode
}

// CanonicalMarshal encodes v as deterministic CBOR (RFC 8949 §4.2.1 core
// determinism: sorted map keys, definite-length encoding, shortest-form
// integers). Signatures are always computed over this form.
func CanonicalMarshal(v any) ([]byte, error) {
	b, err := canonicalEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: canonical encoding: %w", err)
	}
	return b, nil
}
