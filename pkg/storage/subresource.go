package storage

import (
	"context"
	"encoding/binary"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/manyerr"
)

// Allocation is the result of a subresource allocation: the freshly minted
// address plus the storage keys a caller should fold into a Merkle proof
// for the operation.
type Allocation struct {
	Address address.Address
	Keys    []string
}

// NextSubresource assigns the next unused subresource id under rootKey
// (spec.md §4.4.4). If rootKey is empty the server's own identity
// (/config/identity) is used as the parent.
func (e *Engine) NextSubresource(ctx context.Context, rootKey string) (*Allocation, error) {
	var parent address.Address
	if rootKey != "" {
		v, ok := e.Get(rootKey)
		if !ok {
			return nil, manyerr.New(manyerr.CodeUnknown, "root key {key} has no parent address", map[string]string{"key": rootKey})
		}
		p, err := address.FromBytes(v)
		if err != nil {
			return nil, manyerr.Wrap(err)
		}
		parent = p
	} else {
		p, err := e.ParentIdentity()
		if err != nil {
			return nil, manyerr.Wrap(err)
		}
		parent = p
	}

	counterKey := SubresourceCounterKey(parent.String())
	counter := e.readCounter(counterKey)

	var candidate address.Address
	for {
		if counter > address.MaxSubresourceID {
			return nil, manyerr.New(manyerr.CodeUnknown, "subresource_exhausted", nil)
		}
		c, err := parent.WithSubresourceID(counter)
		if err != nil {
			return nil, manyerr.Wrap(err)
		}
		if !e.symbolRegistered(c.String()) {
			candidate = c
			break
		}
		counter++
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, counter+1)
	if err := e.Apply(ctx, []Op{{Key: counterKey, Value: buf}}); err != nil {
		return nil, err
	}

	return &Allocation{
		Address: candidate,
		Keys:    []string{counterKey, ConfigSymbolKey(candidate.String())},
	}, nil
}

func (e *Engine) readCounter(key string) uint32 {
	v, ok := e.Get(key)
	if !ok || len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// symbolRegistered reports whether addr is already claimed by a registered
// symbol, the only collision NextSubresource must retry against.
func (e *Engine) symbolRegistered(addr string) bool {
	_, ok := e.Get(ConfigSymbolKey(addr))
	return ok
}
