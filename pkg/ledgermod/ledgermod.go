// Package ledgermod implements a minimal ledger module — send and
// balance — registered as an ordinary dispatcher module so the
// multi-signature engine and account-capability scenarios have a real
// inner transaction to submit and execute (spec.md §4.6.3).
package ledgermod

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/account"
	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/attribute"
	"github.com/liftedinit/many-go/pkg/manyerr"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/router"
	"github.com/liftedinit/many-go/pkg/storage"
)

// SendArgs is the payload of ledger.send.
type SendArgs struct {
	From   []byte `cbor:"0,keyasint"`
	To     []byte `cbor:"1,keyasint"`
	Symbol string `cbor:"2,keyasint"`
	Amount uint64 `cbor:"3,keyasint"`
}

// BalanceArgs is the payload of ledger.balance.
type BalanceArgs struct {
	Account []byte   `cbor:"0,keyasint"`
	Symbols []string `cbor:"1,keyasint,omitempty"`
}

// BalanceReply maps symbol to balance for ledger.balance.
type BalanceReply struct {
	Balances map[string]uint64 `cbor:"0,keyasint"`
}

// Accounts resolves an address to its governing Account, if any, so the
// module can check CanLedgerTransact/Owner on the sender.
type Accounts interface {
	Lookup(addr address.Address) (*account.Account, bool)
}

// Module wraps the send/balance executors and their storage dependency.
type Module struct {
	engine   *storage.Engine
	accounts Accounts
}

// New builds the ledger module bound to engine and an account resolver.
func New(engine *storage.Engine, accounts Accounts) *Module {
	return &Module{engine: engine, accounts: accounts}
}

// Register installs the module's endpoints on r under attribute.Ledger.
func (m *Module) Register(r *router.Router) {
	attr := attribute.Ledger
	r.Register(&router.Module{
		Name:      "ledger",
		Attribute: &attr,
		Endpoints: []string{"ledger.send", "ledger.balance"},
		Executor:  m.execute,
	})
}

func (m *Module) execute(ctx context.Context, req *protocol.Request) ([]byte, error) {
	switch req.Method {
	case "ledger.send":
		return m.send(ctx, req)
	case "ledger.balance":
		return m.balance(ctx, req)
	default:
		return nil, manyerr.CouldNotRouteMessage(req.Method)
	}
}

func (m *Module) send(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args SendArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("ledgermod: decode send args: %w", err)
	}

	from, err := address.FromBytes(args.From)
	if err != nil {
		return nil, fmt.Errorf("ledgermod: invalid from: %w", err)
	}
	to, err := address.FromBytes(args.To)
	if err != nil {
		return nil, fmt.Errorf("ledgermod: invalid to: %w", err)
	}

	if !req.From.Equal(from) {
		if acct, ok := m.accounts.Lookup(from); ok {
			if err := acct.NeedsRole(req.From, account.RoleOwner, account.RoleCanLedgerTransact); err != nil {
				return nil, err
			}
		} else {
			return nil, manyerr.New(manyerr.CodeInvalidFromIdentity, "sender does not control the source account", nil)
		}
	}

	fromKey := storage.BalanceKey(from.String(), args.Symbol)
	toKey := storage.BalanceKey(to.String(), args.Symbol)

	fromBal := m.readBalance(fromKey)
	if fromBal < args.Amount {
		return nil, fmt.Errorf("ledgermod: insufficient balance")
	}
	toBal := m.readBalance(toKey)

	if err := m.engine.Apply(ctx, []storage.Op{
		{Key: fromKey, Value: encodeBalance(fromBal - args.Amount)},
		{Key: toKey, Value: encodeBalance(toBal + args.Amount)},
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *Module) balance(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args BalanceArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("ledgermod: decode balance args: %w", err)
	}
	addr, err := address.FromBytes(args.Account)
	if err != nil {
		return nil, fmt.Errorf("ledgermod: invalid account: %w", err)
	}

	out := BalanceReply{Balances: make(map[string]uint64, len(args.Symbols))}
	for _, sym := range args.Symbols {
		out.Balances[sym] = m.readBalance(storage.BalanceKey(addr.String(), sym))
	}
	return cbor.Marshal(out)
}

func (m *Module) readBalance(key string) uint64 {
	v, ok := m.engine.Get(key)
	if !ok {
		return 0
	}
	var n uint64
	if err := cbor.Unmarshal(v, &n); err != nil {
		return 0
	}
	return n
}

func encodeBalance(n uint64) []byte {
	out, _ := cbor.Marshal(n)
	return out
}
