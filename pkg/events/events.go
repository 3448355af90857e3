// Package events implements the append-only event log: each entry's id is
// a big-endian byte string encoding height<<32|intra_block_counter, so ids
// are strictly increasing within a block and across blocks (spec.md §3
// "Event log entry", §4.6.5, §8 property 9).
package events

import (
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/attribute"
)

// ID is a big-endian height<<32|counter event identifier.
type ID [8]byte

// NewID builds an ID from a block height and an intra-block counter.
func NewID(height uint64, counter uint32) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:], (height<<32)|uint64(counter))
	return id
}

// Height extracts the block height component.
func (id ID) Height() uint64 {
	return binary.BigEndian.Uint64(id[:]) >> 32
}

// Counter extracts the intra-block counter component.
func (id ID) Counter() uint32 {
	return uint32(binary.BigEndian.Uint64(id[:]))
}

func (id ID) Bytes() []byte { return id[:] }

// Less reports whether id sorts before other, i.e. id was assigned earlier.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Kind names the family of event this entry records. New multisig/account
// transitions each get their own kind per spec.md §4.6.5.
type Kind string

const (
	KindSend                     Kind = "send"
	KindAccountMultisigSubmit    Kind = "accountMultisigSubmit"
	KindAccountMultisigApprove   Kind = "accountMultisigApprove"
	KindAccountMultisigRevoke    Kind = "accountMultisigRevoke"
	KindAccountMultisigExecute   Kind = "accountMultisigExecute"
	KindAccountMultisigWithdraw  Kind = "accountMultisigWithdraw"
	KindAccountMultisigSetDef    Kind = "accountMultisigSetDefaults"
	KindAccountMultisigExpired   Kind = "accountMultisigExpired"
)

// Content is the tagged-union payload of an entry: a Kind plus an
// attribute-related index describing which attribute (and sub-path) the
// event concerns, plus opaque CBOR-encoded details.
type Content struct {
	Kind    Kind
	Index   attribute.Index
	Details cbor.RawMessage
}

// Entry is one append-only log record.
type Entry struct {
	ID      ID
	Time    time.Time
	Content Content
}

type contentWire struct {
	Kind    string          `cbor:"0,keyasint"`
	Index   attribute.Index `cbor:"1,keyasint"`
	Details cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

type entryWire struct {
	ID      []byte          `cbor:"0,keyasint"`
	Time    uint64          `cbor:"1,keyasint"`
	Content contentWire     `cbor:"2,keyasint"`
}

// MarshalCBOR encodes the entry as a map.
func (e Entry) MarshalCBOR() ([]byte, error) {
	w := entryWire{
		ID:   e.ID.Bytes(),
		Time: uint64(e.Time.Unix()),
		Content: contentWire{
			Kind:    string(e.Content.Kind),
			Index:   e.Content.Index,
			Details: e.Content.Details,
		},
	}
	return cbor.Marshal(w)
}

// UnmarshalCBOR decodes an entry map.
func (e *Entry) UnmarshalCBOR(data []byte) error {
	var w entryWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	var id ID
	copy(id[:], w.ID)
	e.ID = id
	e.Time = time.Unix(int64(w.Time), 0).UTC()
	e.Content = Content{
		Kind:    Kind(w.Content.Kind),
		Index:   w.Content.Index,
		Details: w.Content.Details,
	}
	return nil
}

// Log is an in-memory append-only sequence of entries, ordered by ID.
type Log struct {
	entries []Entry
}

// Append adds entry, which must have a strictly greater ID than the
// previous one (spec.md §8 property 9).
func (l *Log) Append(entry Entry) {
	l.entries = append(l.entries, entry)
}

// All returns every entry in append order.
func (l *Log) All() []Entry {
	return l.entries
}

// Filter returns entries whose content attribute matches attr.
func (l *Log) Filter(attr uint32) []Entry {
	var out []Entry
	for _, e := range l.entries {
		if e.Content.Index.Attribute == attr {
			out = append(out, e)
		}
	}
	return out
}
