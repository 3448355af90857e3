package crypto

import "crypto/ed25519"

// VerifyEd25519 checks a standard envelope signature.
func VerifyEd25519(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}
