// Package protocol defines the Request and Response payload shapes
// carried inside a signed envelope, tagged 10001 and 10002 respectively
// (spec.md §3 "Request"/"Response").
package protocol

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/attribute"
	"github.com/liftedinit/many-go/pkg/manyerr"
)

// TagRequest and TagResponse are the envelope payload's CBOR tags.
const (
	TagRequest  = 10001
	TagResponse = 10002
)

// Version is the current protocol version (spec.md §3 field 0).
const Version = 1

// Request is the decoded body of a request envelope.
type Request struct {
	Version    uint64
	From       address.Address
	To         address.Address
	Method     string
	Data       []byte
	Timestamp  time.Time
	ID         []byte
	Nonce      []byte
	Attributes *attribute.Set
}

// requestWire is the CBOR map shape keyed by small integers, matching
// spec.md's field table.
type requestWire struct {
	Version    uint64             `cbor:"0,keyasint"`
	From       []byte             `cbor:"1,keyasint,omitempty"`
	To         []byte             `cbor:"2,keyasint,omitempty"`
	Method     string             `cbor:"3,keyasint"`
	Data       []byte             `cbor:"4,keyasint,omitempty"`
	Timestamp  *cbor.RawMessage   `cbor:"5,keyasint,omitempty"`
	ID         []byte             `cbor:"6,keyasint,omitempty"`
	Nonce      []byte             `cbor:"7,keyasint,omitempty"`
	Attributes *cbor.RawMessage   `cbor:"8,keyasint,omitempty"`
}

// MarshalCBOR encodes the request as a tag-10001 map.
func (r Request) MarshalCBOR() ([]byte, error) {
	w, err := r.toWire()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(cbor.Tag{Number: TagRequest, Content: w})
}

func (r Request) toWire() (requestWire, error) {
	w := requestWire{
		Version: r.Version,
		Method:  r.Method,
		Data:    r.Data,
		ID:      r.ID,
		Nonce:   r.Nonce,
	}
	if !r.From.IsAnonymous() {
		w.From = r.From.ToBytes()
	}
	if !r.To.IsAnonymous() {
		w.To = r.To.ToBytes()
	}
	if !r.Timestamp.IsZero() {
		raw, err := cbor.Marshal(cbor.Tag{Number: 1, Content: uint64(r.Timestamp.Unix())})
		if err != nil {
			return requestWire{}, fmt.Errorf("protocol: marshal timestamp: %w", err)
		}
		rm := cbor.RawMessage(raw)
		w.Timestamp = &rm
	}
	if r.Attributes != nil && len(r.Attributes.IDs()) > 0 {
		raw, err := r.Attributes.MarshalCBOR()
		if err != nil {
			return requestWire{}, fmt.Errorf("protocol: marshal attributes: %w", err)
		}
		rm := cbor.RawMessage(raw)
		w.Attributes = &rm
	}
	return w, nil
}

// UnmarshalCBOR decodes a tag-10001 map (the tag itself is optional on
// decode — payload bytes inside an already-verified envelope need not
// repeat it).
func (r *Request) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err == nil && tag.Number == TagRequest {
		inner, err := cbor.Marshal(tag.Content)
		if err != nil {
			return fmt.Errorf("protocol: re-marshal tagged content: %w", err)
		}
		data = inner
	}

	var w requestWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("protocol: decode request: %w", err)
	}
	return r.fromWire(w)
}

func (r *Request) fromWire(w requestWire) error {
	r.Version = w.Version
	r.Method = w.Method
	r.Data = w.Data
	r.ID = w.ID
	r.Nonce = w.Nonce

	if len(w.From) == 0 {
		r.From = address.Anonymous
	} else {
		from, err := address.FromBytes(w.From)
		if err != nil {
			return manyerr.New(manyerr.CodeInvalidFromIdentity, "invalid from identity: {reason}",
				map[string]string{"reason": err.Error()})
		}
		r.From = from
	}
	if len(w.To) == 0 {
		r.To = address.Anonymous
	} else {
		to, err := address.FromBytes(w.To)
		if err != nil {
			return manyerr.New(manyerr.CodeInvalidIdentity, "invalid to identity: {reason}",
				map[string]string{"reason": err.Error()})
		}
		r.To = to
	}
	if w.Timestamp != nil {
		var tag cbor.Tag
		if err := cbor.Unmarshal(*w.Timestamp, &tag); err != nil {
			return fmt.Errorf("protocol: decode timestamp: %w", err)
		}
		secs, ok := tag.Content.(uint64)
		if !ok {
			if signed, ok2 := tag.Content.(int64); ok2 {
				secs = uint64(signed)
			} else {
				return fmt.Errorf("protocol: timestamp content is not an integer")
			}
		}
		r.Timestamp = time.Unix(int64(secs), 0).UTC()
	}
	if w.Attributes != nil {
		var set attribute.Set
		if err := set.UnmarshalCBOR(*w.Attributes); err != nil {
			return fmt.Errorf("protocol: decode request attributes: %w", err)
		}
		r.Attributes = &set
	}
	return nil
}

// Error is the CBOR shape carried in a Response's data field on failure:
// {0: code, 1?: message template, 2?: argument map}.
type Error = manyerr.Error

// Response is the decoded body of a response envelope.
type Response struct {
	Version    uint64
	From       address.Address
	To         address.Address
	Data       []byte
	Err        *Error
	Timestamp  time.Time
	ID         []byte
	Nonce      []byte
	Attributes *attribute.Set
}

type responseWire struct {
	Version    uint64           `cbor:"0,keyasint"`
	From       []byte           `cbor:"1,keyasint,omitempty"`
	To         []byte           `cbor:"2,keyasint,omitempty"`
	Data       *cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Timestamp  *cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	ID         []byte           `cbor:"6,keyasint,omitempty"`
	Nonce      []byte           `cbor:"7,keyasint,omitempty"`
	Attributes *cbor.RawMessage `cbor:"8,keyasint,omitempty"`
}

// MarshalCBOR encodes the response as a tag-10002 map.
func (r Response) MarshalCBOR() ([]byte, error) {
	w := responseWire{
		Version: r.Version,
		ID:      r.ID,
		Nonce:   r.Nonce,
	}
	if !r.From.IsAnonymous() {
		w.From = r.From.ToBytes()
	}
	if !r.To.IsAnonymous() {
		w.To = r.To.ToBytes()
	}

	var dataRaw []byte
	var err error
	if r.Err != nil {
		dataRaw, err = cbor.Marshal(r.Err)
	} else {
		dataRaw, err = cbor.Marshal(r.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal response data: %w", err)
	}
	rm := cbor.RawMessage(dataRaw)
	w.Data = &rm

	if !r.Timestamp.IsZero() {
		raw, err := cbor.Marshal(cbor.Tag{Number: 1, Content: uint64(r.Timestamp.Unix())})
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal timestamp: %w", err)
		}
		trm := cbor.RawMessage(raw)
		w.Timestamp = &trm
	}
	if r.Attributes != nil && len(r.Attributes.IDs()) > 0 {
		raw, err := r.Attributes.MarshalCBOR()
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal response attributes: %w", err)
		}
		arm := cbor.RawMessage(raw)
		w.Attributes = &arm
	}

	return cbor.Marshal(cbor.Tag{Number: TagResponse, Content: w})
}

// UnmarshalCBOR decodes a tag-10002 map.
func (r *Response) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err == nil && tag.Number == TagResponse {
		inner, err := cbor.Marshal(tag.Content)
		if err != nil {
			return fmt.Errorf("protocol: re-marshal tagged content: %w", err)
		}
		data = inner
	}

	var w responseWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("protocol: decode response: %w", err)
	}

	r.Version = w.Version
	r.ID = w.ID
	r.Nonce = w.Nonce

	if len(w.From) == 0 {
		r.From = address.Anonymous
	} else {
		from, err := address.FromBytes(w.From)
		if err != nil {
			return fmt.Errorf("protocol: decode response from: %w", err)
		}
		r.From = from
	}
	if len(w.To) == 0 {
		r.To = address.Anonymous
	} else {
		to, err := address.FromBytes(w.To)
		if err != nil {
			return fmt.Errorf("protocol: decode response to: %w", err)
		}
		r.To = to
	}

	if w.Data != nil {
		var asErr Error
		if err := cbor.Unmarshal(*w.Data, &asErr); err == nil && asErr.Code != 0 {
			r.Err = &asErr
		} else {
			var raw []byte
			if err := cbor.Unmarshal(*w.Data, &raw); err != nil {
				return fmt.Errorf("protocol: decode response data: %w", err)
			}
			r.Data = raw
		}
	}

	if w.Timestamp != nil {
		var tag cbor.Tag
		if err := cbor.Unmarshal(*w.Timestamp, &tag); err != nil {
			return fmt.Errorf("protocol: decode timestamp: %w", err)
		}
		secs, ok := tag.Content.(uint64)
		if !ok {
			if signed, ok2 := tag.Content.(int64); ok2 {
				secs = uint64(signed)
			} else {
				return fmt.Errorf("protocol: timestamp content is not an integer")
			}
		}
		r.Timestamp = time.Unix(int64(secs), 0).UTC()
	}
	if w.Attributes != nil {
		var set attribute.Set
		if err := set.UnmarshalCBOR(*w.Attributes); err != nil {
			return fmt.Errorf("protocol: decode response attributes: %w", err)
		}
		r.Attributes = &set
	}

	return nil
}
