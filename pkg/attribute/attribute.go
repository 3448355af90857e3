// Package attribute implements the protocol's typed feature set: numeric
// capability tags, optionally carrying CBOR arguments, attached to
// envelopes, accounts, and responses (spec.md §3 "Envelope", §9 "Feature
// set serialization").
package attribute

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Well-known attribute ids. Module attribute ids (ledger, multisig, ...)
// live in the same numbering space as feature ids; spec.md §7 reserves
// attribute 9 for the multi-signature engine's error codes.
const (
	Base             uint32 = 0
	Ledger           uint32 = 2
	Events           uint32 = 4
	Account          uint32 = 9
	Multisig         uint32 = 9
	Async            uint32 = 100
	WebAuthnFeature  uint32 = 101
	ProofFeature     uint32 = 102
)

// Attribute is a single (id, arguments) pair. Arguments is nil for a
// bare-integer attribute.
type Attribute struct {
	ID        uint32
	Arguments []cbor.RawMessage
}

// Set is an ordered set of Attributes, always kept sorted ascending by id
// so wire encoding (and therefore hashing) is deterministic.
type Set struct {
	byID map[uint32]Attribute
}

// NewSet builds a Set from the given attributes, de-duplicating by id (last
// write wins).
func NewSet(attrs ...Attribute) *Set {
	s := &Set{byID: make(map[uint32]Attribute, len(attrs))}
	for _, a := range attrs {
		s.byID[a.ID] = a
	}
	return s
}

// Add inserts or replaces an attribute.
func (s *Set) Add(a Attribute) {
	if s.byID == nil {
		s.byID = make(map[uint32]Attribute)
	}
	s.byID[a.ID] = a
}

// Has reports whether id is present.
func (s *Set) Has(id uint32) bool {
	if s == nil {
		return false
	}
	_, ok := s.byID[id]
	return ok
}

// Get returns the attribute for id, if present.
func (s *Set) Get(id uint32) (Attribute, bool) {
	if s == nil {
		return Attribute{}, false
	}
	a, ok := s.byID[id]
	return a, ok
}

// IDs returns the set's ids in ascending order.
func (s *Set) IDs() []uint32 {
	if s == nil {
		return nil
	}
	ids := make([]uint32, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// wireForm is the shape of a single array element: either a bare
// uint (no arguments) or [id, ...args].
type wireForm []cbor.RawMessage

// MarshalCBOR encodes the set as a CBOR array, ascending by id, each
// element a bare integer (no arguments) or [id, ...args].
func (s *Set) MarshalCBOR() ([]byte, error) {
	ids := s.IDs()
	elems := make([]cbor.RawMessage, 0, len(ids))
	for _, id := range ids {
		a := s.byID[id]
		if len(a.Arguments) == 0 {
			raw, err := cbor.Marshal(id)
			if err != nil {
				return nil, fmt.Errorf("attribute: marshal id %d: %w", id, err)
			}
			elems = append(elems, raw)
			continue
		}
		arr := make([]any, 0, 1+len(a.Arguments))
		arr = append(arr, id)
		for _, arg := range a.Arguments {
			arr = append(arr, arg)
		}
		raw, err := cbor.Marshal(arr)
		if err != nil {
			return nil, fmt.Errorf("attribute: marshal attribute %d: %w", id, err)
		}
		elems = append(elems, raw)
	}
	return cbor.Marshal(elems)
}

// UnmarshalCBOR decodes the array form produced by MarshalCBOR.
func (s *Set) UnmarshalCBOR(data []byte) error {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("attribute: decode set: %w", err)
	}
	s.byID = make(map[uint32]Attribute, len(elems))
	for _, raw := range elems {
		var bare uint32
		if err := cbor.Unmarshal(raw, &bare); err == nil {
			s.byID[bare] = Attribute{ID: bare}
			continue
		}
		var arr []cbor.RawMessage
		if err := cbor.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
			return fmt.Errorf("attribute: malformed element")
		}
		var id uint32
		if err := cbor.Unmarshal(arr[0], &id); err != nil {
			return fmt.Errorf("attribute: malformed id: %w", err)
		}
		s.byID[id] = Attribute{ID: id, Arguments: arr[1:]}
	}
	return nil
}

// maxIndexDepth bounds attribute-related index nesting (spec.md §9:
// "Truncate silently at depth 4").
const maxIndexDepth = 4

// Index is an attribute-related index: an attribute id plus an optional
// path of sub-indices, used by the event log to filter by feature.
type Index struct {
	Attribute uint32
	SubPath   []uint32
}

// MarshalCBOR encodes the index as a right-leaning tree: a bare integer
// when there is no sub-path, otherwise [attr, subpath-as-same-shape].
func (idx Index) MarshalCBOR() ([]byte, error) {
	path := idx.SubPath
	if len(path) > maxIndexDepth-1 {
		path = path[:maxIndexDepth-1]
	}
	return cbor.Marshal(buildRightLeaning(idx.Attribute, path))
}

func buildRightLeaning(head uint32, rest []uint32) any {
	if len(rest) == 0 {
		return head
	}
	return []any{head, buildRightLeaning(rest[0], rest[1:])}
}

// UnmarshalCBOR decodes either a bare integer or a right-leaning
// [attr, rest] tree, up to maxIndexDepth.
func (idx *Index) UnmarshalCBOR(data []byte) error {
	var bare uint32
	if err := cbor.Unmarshal(data, &bare); err == nil {
		idx.Attribute = bare
		idx.SubPath = nil
		return nil
	}

	attr, path, err := decodeRightLeaning(data, maxIndexDepth)
	if err != nil {
		return err
	}
	idx.Attribute = attr
	idx.SubPath = path
	return nil
}

func decodeRightLeaning(data []byte, depthBudget int) (uint32, []uint32, error) {
	var bare uint32
	if err := cbor.Unmarshal(data, &bare); err == nil {
		return bare, nil, nil
	}
	if depthBudget <= 0 {
		return 0, nil, fmt.Errorf("attribute: index exceeds max depth")
	}
	var pair [2]cbor.RawMessage
	if err := cbor.Unmarshal(data, &pair); err != nil {
		return 0, nil, fmt.Errorf("attribute: malformed index: %w", err)
	}
	var head uint32
	if err := cbor.Unmarshal(pair[0], &head); err != nil {
		return 0, nil, fmt.Errorf("attribute: malformed index head: %w", err)
	}
	tailAttr, tailPath, err := decodeRightLeaning(pair[1], depthBudget-1)
	if err != nil {
		return 0, nil, err
	}
	return head, append([]uint32{tailAttr}, tailPath...), nil
}
