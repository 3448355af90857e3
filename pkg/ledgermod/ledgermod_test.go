package ledgermod

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/account"
	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/storage"
)

type fakeAccounts struct {
	byAddr map[string]*account.Account
}

func (f fakeAccounts) Lookup(addr address.Address) (*account.Account, bool) {
	a, ok := f.byAddr[addr.String()]
	return a, ok
}

func testAddress(b byte) address.Address {
	var h [address.HashSize]byte
	h[0] = b
	return address.PublicKey(h)
}

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "many.db")
	e, err := storage.Open(context.Background(), path, storage.TreeV1, storage.Immediate)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSendMovesBalance(t *testing.T) {
	engine := openEngine(t)
	ctx := context.Background()
	alice := testAddress(1)
	bob := testAddress(2)

	require.NoError(t, engine.Apply(ctx, []storage.Op{
		{Key: storage.BalanceKey(alice.String(), "MFX"), Value: mustCBOR(t, uint64(100))},
	}))

	mod := New(engine, fakeAccounts{byAddr: map[string]*account.Account{}})

	args := SendArgs{From: alice.ToBytes(), To: bob.ToBytes(), Symbol: "MFX", Amount: 40}
	data, err := cbor.Marshal(args)
	require.NoError(t, err)

	req := &protocol.Request{From: alice, Data: data, Method: "ledger.send"}
	_, err = mod.send(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, uint64(60), mod.readBalance(storage.BalanceKey(alice.String(), "MFX")))
	assert.Equal(t, uint64(40), mod.readBalance(storage.BalanceKey(bob.String(), "MFX")))
}

func TestSendRejectsInsufficientBalance(t *testing.T) {
	engine := openEngine(t)
	ctx := context.Background()
	alice := testAddress(1)
	bob := testAddress(2)

	mod := New(engine, fakeAccounts{byAddr: map[string]*account.Account{}})
	args := SendArgs{From: alice.ToBytes(), To: bob.ToBytes(), Symbol: "MFX", Amount: 1}
	data, err := cbor.Marshal(args)
	require.NoError(t, err)

	req := &protocol.Request{From: alice, Data: data, Method: "ledger.send"}
	_, err = mod.send(ctx, req)
	assert.Error(t, err)
}

func TestSendOnBehalfOfAccountRequiresRole(t *testing.T) {
	engine := openEngine(t)
	ctx := context.Background()
	treasury := testAddress(3)
	member := testAddress(4)
	bob := testAddress(2)

	require.NoError(t, engine.Apply(ctx, []storage.Op{
		{Key: storage.BalanceKey(treasury.String(), "MFX"), Value: mustCBOR(t, uint64(100))},
	}))

	acct := account.New("treasury", treasury)
	mod := New(engine, fakeAccounts{byAddr: map[string]*account.Account{treasury.String(): acct}})

	args := SendArgs{From: treasury.ToBytes(), To: bob.ToBytes(), Symbol: "MFX", Amount: 10}
	data, err := cbor.Marshal(args)
	require.NoError(t, err)

	req := &protocol.Request{From: member, Data: data, Method: "ledger.send"}
	_, err = mod.send(ctx, req)
	assert.Error(t, err)

	acct.AddRole(member, account.RoleCanLedgerTransact)
	_, err = mod.send(ctx, req)
	assert.NoError(t, err)
}

func TestBalanceReportsMultipleSymbols(t *testing.T) {
	engine := openEngine(t)
	ctx := context.Background()
	alice := testAddress(1)

	require.NoError(t, engine.Apply(ctx, []storage.Op{
		{Key: storage.BalanceKey(alice.String(), "MFX"), Value: mustCBOR(t, uint64(5))},
	}))

	mod := New(engine, fakeAccounts{byAddr: map[string]*account.Account{}})
	args := BalanceArgs{Account: alice.ToBytes(), Symbols: []string{"MFX", "OTHER"}}
	data, err := cbor.Marshal(args)
	require.NoError(t, err)

	out, err := mod.balance(ctx, &protocol.Request{Data: data, Method: "ledger.balance"})
	require.NoError(t, err)

	var reply BalanceReply
	require.NoError(t, cbor.Unmarshal(out, &reply))
	assert.Equal(t, uint64(5), reply.Balances["MFX"])
	assert.Equal(t, uint64(0), reply.Balances["OTHER"])
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	out, err := cbor.Marshal(v)
	require.NoError(t, err)
	return out
}
