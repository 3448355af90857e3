// Package address implements the protocol's self-certifying 32-byte
// principal identifier: a fixed-width tagged union over Anonymous,
// PublicKey, and Subresource variants, with a human-readable base32+CRC
// textual form. See spec.md §3 ("Address") and §4.1.
package address

import (
	"encoding/base32"
	"encoding/binary"
	"strings"

	"github.com/liftedinit/many-go/pkg/manyerr"
)

// Kind is the tag byte of an Address variant.
type Kind byte

const (
	KindAnonymous   Kind = 0
	KindPublicKey   Kind = 1
	KindSubresource Kind = 2
)

// Prefix is the single-letter textual-form prefix. It is a compile-time
// constant per spec.md §3 ("'o' (or 'm')").
const Prefix = "o"

// HashSize is the SHA3-224 digest size used for the PublicKey/Subresource
// hash component.
const HashSize = 28

// MaxSubresourceID is the largest subresource id that fits in 24 bits
// under policy (spec.md §3 invariant iii); ids above this are "exhausted".
const MaxSubresourceID = 0x7FFFFF

// byteArrayLen is the size of the fixed in-memory layout (spec.md §4.1:
// "Size of the in-memory form is exactly 32 bytes").
const byteArrayLen = 32

// Address is a self-certifying principal identifier. The zero value is
// Anonymous. Address is comparable and orders lexicographically over its
// 32-byte in-memory representation (spec.md §8 property 1).
type Address struct {
	kind  Kind
	hash  [HashSize]byte
	subID uint32 // low 24 bits significant; only meaningful for Subresource
}

// Anonymous is the zero Address: a valid source, never a destination or
// signer.
var Anonymous = Address{kind: KindAnonymous}

// PublicKey derives a PublicKey-variant address from the SHA3-224 hash of
// a canonically serialized public key.
func PublicKey(hash [HashSize]byte) Address {
	return Address{kind: KindPublicKey, hash: hash}
}

// WithSubresourceID derives a Subresource address from this address's key
// hash and a 24-bit subresource id. Fails if the base is Anonymous or the
// id does not fit in 24 bits.
func (a Address) WithSubresourceID(id uint32) (Address, error) {
	if a.kind == KindAnonymous {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentity,
			"cannot derive a subresource from the anonymous identity", nil)
	}
	if id > 0xFFFFFF {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentitySubResID,
			"subresource id {id} does not fit in 24 bits", map[string]string{"id": u32s(id)})
	}
	return Address{kind: KindSubresource, hash: a.hash, subID: id}, nil
}

// Kind returns the variant tag.
func (a Address) Kind() Kind { return a.kind }

// IsAnonymous reports whether a is the Anonymous address.
func (a Address) IsAnonymous() bool { return a.kind == KindAnonymous }

// SubresourceID returns the 24-bit subresource id and whether a is a
// Subresource address.
func (a Address) SubresourceID() (uint32, bool) {
	if a.kind != KindSubresource {
		return 0, false
	}
	return a.subID, true
}

// CanSign reports whether this kind of address may be an envelope signer.
func (a Address) CanSign() bool { return a.kind != KindAnonymous }

// CanBeSource reports whether this address may appear as a request's "from".
func (a Address) CanBeSource() bool { return true }

// CanBeDest reports whether this address may appear as a request's "to".
func (a Address) CanBeDest() bool { return a.kind != KindAnonymous }

// MatchesKey reports whether a was derived from the given public-key hash,
// or, for Anonymous, whether no key was supplied at all.
func (a Address) MatchesKey(keyHash *[HashSize]byte) bool {
	if a.kind == KindAnonymous {
		return keyHash == nil
	}
	if keyHash == nil {
		return false
	}
	return a.hash == *keyHash
}

// ToByteArray returns the fixed 32-byte in-memory layout: tag byte,
// 28-byte hash (zero for Anonymous), 3-byte subresource id (zero unless
// Subresource). This is the representation total order and equality are
// defined over (spec.md §8 property 1).
func (a Address) ToByteArray() [byteArrayLen]byte {
	var out [byteArrayLen]byte
	out[0] = byte(a.kind)
	if a.kind != KindAnonymous {
		copy(out[1:1+HashSize], a.hash[:])
	}
	if a.kind == KindSubresource {
		var sub [4]byte
		binary.BigEndian.PutUint32(sub[:], a.subID)
		copy(out[29:32], sub[1:4])
	}
	return out
}

// ToBytes returns the variant-length wire form: 1 byte for Anonymous, 29
// bytes (tag+hash) for PublicKey, 32 bytes (tag+hash+subid) for
// Subresource. This is what the textual form and CBOR encoding operate on.
func (a Address) ToBytes() []byte {
	switch a.kind {
	case KindAnonymous:
		return []byte{byte(KindAnonymous)}
	case KindPublicKey:
		out := make([]byte, 1+HashSize)
		out[0] = byte(KindPublicKey)
		copy(out[1:], a.hash[:])
		return out
	case KindSubresource:
		out := make([]byte, byteArrayLen)
		out[0] = byte(KindSubresource)
		copy(out[1:1+HashSize], a.hash[:])
		var sub [4]byte
		binary.BigEndian.PutUint32(sub[:], a.subID)
		copy(out[29:32], sub[1:4])
		return out
	default:
		return nil
	}
}

// FromBytes parses the variant-length wire form produced by ToBytes.
func FromBytes(b []byte) (Address, error) {
	if len(b) == 0 {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "empty identity bytes", nil)
	}
	switch Kind(b[0]) {
	case KindAnonymous:
		if len(b) != 1 {
			return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "anonymous identity must be exactly 1 byte", nil)
		}
		return Anonymous, nil
	case KindPublicKey:
		if len(b) != 1+HashSize {
			return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "public-key identity has wrong length", nil)
		}
		var h [HashSize]byte
		copy(h[:], b[1:1+HashSize])
		return Address{kind: KindPublicKey, hash: h}, nil
	case KindSubresource:
		if len(b) != byteArrayLen {
			return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "subresource identity has wrong length", nil)
		}
		var h [HashSize]byte
		copy(h[:], b[1:1+HashSize])
		var sub [4]byte
		copy(sub[1:], b[29:32])
		return Address{kind: KindSubresource, hash: h, subID: binary.BigEndian.Uint32(sub[:])}, nil
	default:
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentityKind,
			"unknown identity kind {kind}", map[string]string{"kind": u32s(uint32(b[0]))})
	}
}

// String renders the textual form: prefix + base32(bytes) + first 2 base32
// chars of CRC-16(bytes); Anonymous has the short form "<prefix>aa".
func (a Address) String() string {
	if a.kind == KindAnonymous {
		return Prefix + "aa"
	}
	data := a.ToBytes()
	body := base32Encode(data)
	crc := crc16(data)
	var crcBytes [2]byte
	binary.BigEndian.PutUint16(crcBytes[:], crc)
	crcText := base32Encode(crcBytes[:])
	return strings.ToLower(Prefix + body + crcText[:2])
}

// FromStr parses the textual form, requiring that re-serializing the
// result reproduce the input exactly (which validates the CRC).
func FromStr(s string) (Address, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentityPrefix,
			"identity text does not start with {prefix}", map[string]string{"prefix": Prefix})
	}
	if s == Prefix+"aa" {
		return Anonymous, nil
	}
	if len(s) <= len(Prefix)+2 {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "identity text too short", nil)
	}
	body := s[len(Prefix) : len(s)-2]
	data, err := base32Decode(body)
	if err != nil {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "invalid base32 in identity text", nil)
	}
	addr, err := FromBytes(data)
	if err != nil {
		return Address{}, err
	}
	if !strings.EqualFold(addr.String(), s) {
		return Address{}, manyerr.New(manyerr.CodeInvalidIdentity, "identity text failed CRC round-trip", nil)
	}
	return addr, nil
}

// Compare implements a total order, lexicographic over the 32-byte
// in-memory representation.
func (a Address) Compare(other Address) int {
	ab, ob := a.ToByteArray(), other.ToByteArray()
	for i := range ab {
		if ab[i] != ob[i] {
			if ab[i] < ob[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports whether two addresses have identical content.
func (a Address) Equal(other Address) bool { return a.Compare(other) == 0 }

var base32Enc = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

func base32Encode(b []byte) string { return base32Enc.EncodeToString(b) }

func base32Decode(s string) ([]byte, error) {
	return base32Enc.DecodeString(strings.ToLower(s))
}

// crc16 computes CRC-16/ARC (polynomial 0xA001, matching crc_any::CRCu16::crc16
// used by the Rust reference implementation).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func u32s(v uint32) string {
	const hexdigits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexdigits[v%16]
		v /= 16
	}
	return string(buf[i:])
}
