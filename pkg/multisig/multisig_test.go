package multisig

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/account"
	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/events"
	"github.com/liftedinit/many-go/pkg/ledgermod"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/router"
	"github.com/liftedinit/many-go/pkg/storage"
	"github.com/liftedinit/many-go/pkg/verifier"
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

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	out, err := cbor.Marshal(v)
	require.NoError(t, err)
	return out
}

// setup builds a multisig Engine with a ledger module registered so
// submitted transactions have something real to execute.
func setup(t *testing.T) (*Engine, *storage.Engine, address.Address, fakeAccounts) {
	t.Helper()
	engine := openEngine(t)
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	identity := address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))

	r := router.New(identity, signer, verifier.NewRegistry(), 300*time.Second)
	accounts := fakeAccounts{byAddr: map[string]*account.Account{}}
	ledger := ledgermod.New(engine, accounts)
	ledger.Register(r)

	log := &events.Log{}
	ms := New(engine, accounts, r, log)
	return ms, engine, identity, accounts
}

func sendOp(t *testing.T, from, to address.Address, amount uint64) protocol.Request {
	t.Helper()
	args := ledgermod.SendArgs{From: from.ToBytes(), To: to.ToBytes(), Symbol: "MFX", Amount: amount}
	data := mustCBOR(t, args)
	return protocol.Request{Version: protocol.Version, From: from, Method: "ledger.send", Data: data}
}

func TestSubmitRequiresSubmitRole(t *testing.T) {
	ms, _, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	stranger := testAddress(2)
	acct := account.New("treasury", owner)
	accounts.byAddr[treasury.String()] = acct

	op := sendOp(t, treasury, testAddress(3), 1)
	_, err := ms.Submit(ctx, treasury, stranger, op, "", SubmitOptions{})
	assert.Error(t, err)

	_, err = ms.Submit(ctx, treasury, owner, op, "", SubmitOptions{})
	assert.NoError(t, err)
}

func TestNonOwnerCannotOverrideDefaults(t *testing.T) {
	ms, _, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	member := testAddress(2)
	acct := account.New("treasury", owner)
	acct.AddRole(member, account.RoleCanMultisigSubmit)
	accounts.byAddr[treasury.String()] = acct

	op := sendOp(t, treasury, testAddress(3), 1)
	_, err := ms.Submit(ctx, treasury, member, op, "", SubmitOptions{Threshold: 5})
	assert.Error(t, err)

	_, err = ms.Submit(ctx, treasury, member, op, "", SubmitOptions{})
	assert.NoError(t, err)
}

func TestApproveAndExecuteMovesBalance(t *testing.T) {
	ms, engine, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	approver := testAddress(2)
	recipient := testAddress(3)

	acct := account.New("treasury", owner)
	acct.AddRole(approver, account.RoleCanMultisigApprove)
	accounts.byAddr[treasury.String()] = acct

	_, err := engineApply(ctx, engine, treasury, 100)
	require.NoError(t, err)

	op := sendOp(t, treasury, recipient, 40)
	tx, err := ms.Submit(ctx, treasury, owner, op, "payout", SubmitOptions{Threshold: 2})
	require.NoError(t, err)
	assert.Equal(t, Pending, tx.State)

	_, err = ms.Execute(ctx, tx.Token, owner)
	assert.Error(t, err, "threshold not yet met")

	require.NoError(t, ms.Approve(ctx, tx.Token, approver))

	resp, err := ms.Execute(ctx, tx.Token, owner)
	require.NoError(t, err)
	assert.Nil(t, resp.Err)
	assert.Equal(t, ExecutedManually, tx.State)

	balanceOf := func(a address.Address) uint64 {
		v, ok := engine.Get(storage.BalanceKey(a.String(), "MFX"))
		require.True(t, ok)
		var n uint64
		require.NoError(t, cbor.Unmarshal(v, &n))
		return n
	}
	assert.Equal(t, uint64(60), balanceOf(treasury))
	assert.Equal(t, uint64(40), balanceOf(recipient))
}

func TestAutoExecuteFiresOnApproval(t *testing.T) {
	ms, engine, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	approver := testAddress(2)
	recipient := testAddress(3)

	acct := account.New("treasury", owner)
	acct.AddRole(approver, account.RoleCanMultisigApprove)
	accounts.byAddr[treasury.String()] = acct
	_, err := engineApply(ctx, engine, treasury, 100)
	require.NoError(t, err)

	op := sendOp(t, treasury, recipient, 10)
	tx, err := ms.Submit(ctx, treasury, owner, op, "", SubmitOptions{Threshold: 2, ExecuteAutomatically: true})
	require.NoError(t, err)

	require.NoError(t, ms.Approve(ctx, tx.Token, approver))
	assert.Equal(t, ExecutedAutomatically, tx.State)
}

func TestRevokeRemovesApproval(t *testing.T) {
	ms, _, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	approver := testAddress(2)
	acct := account.New("treasury", owner)
	acct.AddRole(approver, account.RoleCanMultisigApprove)
	accounts.byAddr[treasury.String()] = acct

	op := sendOp(t, treasury, testAddress(3), 1)
	tx, err := ms.Submit(ctx, treasury, owner, op, "", SubmitOptions{Threshold: 2})
	require.NoError(t, err)

	require.NoError(t, ms.Approve(ctx, tx.Token, approver))
	assert.Equal(t, uint64(2), tx.approvedCount())

	require.NoError(t, ms.Revoke(ctx, tx.Token, approver))
	assert.Equal(t, uint64(1), tx.approvedCount())
}

func TestWithdrawRequiresOwnerOrSubmitter(t *testing.T) {
	ms, _, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	member := testAddress(2)
	stranger := testAddress(4)
	acct := account.New("treasury", owner)
	acct.AddRole(member, account.RoleCanMultisigSubmit)
	accounts.byAddr[treasury.String()] = acct

	op := sendOp(t, treasury, testAddress(3), 1)
	tx, err := ms.Submit(ctx, treasury, member, op, "", SubmitOptions{})
	require.NoError(t, err)

	assert.Error(t, ms.Withdraw(ctx, tx.Token, stranger))
	require.NoError(t, ms.Withdraw(ctx, tx.Token, member))
	assert.Equal(t, Withdrawn, tx.State)

	assert.Error(t, ms.Approve(ctx, tx.Token, owner), "withdrawn transaction is terminal")
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	ms, _, _, accounts := setup(t)
	ctx := context.Background()

	treasury := testAddress(10)
	owner := testAddress(1)
	acct := account.New("treasury", owner)
	accounts.byAddr[treasury.String()] = acct

	op := sendOp(t, treasury, testAddress(3), 1)
	tx, err := ms.Submit(ctx, treasury, owner, op, "", SubmitOptions{Timeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, ms.Sweep(ctx, time.Now().Add(2*time.Second)))
	assert.Equal(t, Expired, tx.State)
}

func engineApply(ctx context.Context, engine *storage.Engine, addr address.Address, balance uint64) (struct{}, error) {
	v, _ := cbor.Marshal(balance)
	err := engine.Apply(ctx, []storage.Op{{Key: storage.BalanceKey(addr.String(), "MFX"), Value: v}})
	return struct{}{}, err
}
