package multisig

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/account"
	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/envelope"
	"github.com/liftedinit/many-go/pkg/events"
	"github.com/liftedinit/many-go/pkg/ledgermod"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/router"
	"github.com/liftedinit/many-go/pkg/verifier"
)

// setupRegistered builds a node with both the ledger module and the
// multisig RPC surface registered, returning the router plus a signer
// whose address is a fresh account's Owner.
func setupRegistered(t *testing.T) (*router.Router, *Engine, fakeAccounts, *crypto.Ed25519Signer, address.Address, address.Address) {
	t.Helper()
	engine := openEngine(t)
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	identity := address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))

	r := router.New(identity, signer, verifier.NewRegistry(), 300*time.Second)
	accounts := fakeAccounts{byAddr: map[string]*account.Account{}}
	ledgermod.New(engine, accounts).Register(r)

	ms := New(engine, accounts, r, &events.Log{})
	ms.Register(r)

	treasury := testAddress(20)
	owner := identity
	acct := account.New("treasury", owner)
	accounts.byAddr[treasury.String()] = acct

	return r, ms, accounts, signer, owner, treasury
}

func dispatchSigned(t *testing.T, r *router.Router, signer *crypto.Ed25519Signer, from address.Address, method string, data []byte) *protocol.Response {
	t.Helper()
	req := protocol.Request{Version: protocol.Version, From: from, Method: method, Data: data, Timestamp: time.Now()}
	payload, err := req.MarshalCBOR()
	require.NoError(t, err)
	env, err := envelope.Sign(signer, from, payload)
	require.NoError(t, err)
	wire, err := env.Encode()
	require.NoError(t, err)

	out := r.Dispatch(context.Background(), wire)
	respEnv, err := envelope.Decode(out)
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, resp.UnmarshalCBOR(respEnv.Payload))
	return &resp
}

func TestRPCSubmitInfoExecuteRoundTrip(t *testing.T) {
	r, _, _, signer, owner, treasury := setupRegistered(t)

	inner := protocol.Request{Version: protocol.Version, From: treasury, Method: "ledger.balance",
		Data: mustCBOR(t, ledgermod.BalanceArgs{Account: treasury.ToBytes()})}
	innerBytes, err := inner.MarshalCBOR()
	require.NoError(t, err)

	submitArgsData := mustCBOR(t, submitArgs{
		Account: treasury.ToBytes(), Memo: "payout", Transaction: innerBytes, Threshold: 1,
	})
	resp := dispatchSigned(t, r, signer, owner, MethodSubmitTransaction, submitArgsData)
	require.Nil(t, resp.Err)

	var sr submitReturn
	require.NoError(t, cbor.Unmarshal(resp.Data, &sr))
	require.NotEmpty(t, sr.Token)

	infoData := mustCBOR(t, tokenArgs{Token: sr.Token})
	resp = dispatchSigned(t, r, signer, owner, MethodInfo, infoData)
	require.Nil(t, resp.Err)
	var info infoReturn
	require.NoError(t, cbor.Unmarshal(resp.Data, &info))
	assert.Equal(t, "payout", info.Memo)
	assert.Equal(t, int(Pending), info.State)

	resp = dispatchSigned(t, r, signer, owner, MethodExecute, infoData)
	require.Nil(t, resp.Err)

	resp = dispatchSigned(t, r, signer, owner, MethodInfo, infoData)
	require.Nil(t, resp.Err)
	require.NoError(t, cbor.Unmarshal(resp.Data, &info))
	assert.Equal(t, int(ExecutedManually), info.State)
}

func TestRPCSetDefaultsPersistsAndIsReadBack(t *testing.T) {
	r, ms, accounts, signer, owner, treasury := setupRegistered(t)

	threshold := uint64(3)
	timeoutSecs := uint64(120)
	autoExec := true
	args := mustCBOR(t, setDefaultsArgs{
		Account: treasury.ToBytes(), Threshold: &threshold, TimeoutSeconds: &timeoutSecs, ExecuteAutomatically: &autoExec,
	})
	resp := dispatchSigned(t, r, signer, owner, MethodSetDefaults, args)
	require.Nil(t, resp.Err)

	acct, ok := accounts.Lookup(treasury)
	require.True(t, ok)
	gotThreshold, gotTimeout, gotAutoExec := accountDefaults(acct)
	assert.Equal(t, threshold, gotThreshold)
	assert.Equal(t, time.Duration(timeoutSecs)*time.Second, gotTimeout)
	assert.True(t, gotAutoExec)
	_ = ms
}

func TestRPCApproveRevokeWithdraw(t *testing.T) {
	r, _, accounts, signer, owner, treasury := setupRegistered(t)
	approver := testAddress(30)
	acct, _ := accounts.Lookup(treasury)
	acct.AddRole(approver, account.RoleCanMultisigApprove)

	inner := protocol.Request{Version: protocol.Version, From: treasury, Method: "ledger.balance",
		Data: mustCBOR(t, ledgermod.BalanceArgs{Account: treasury.ToBytes()})}
	innerBytes, err := inner.MarshalCBOR()
	require.NoError(t, err)
	submitArgsData := mustCBOR(t, submitArgs{Account: treasury.ToBytes(), Transaction: innerBytes, Threshold: 2})

	resp := dispatchSigned(t, r, signer, owner, MethodSubmitTransaction, submitArgsData)
	require.Nil(t, resp.Err)
	var sr submitReturn
	require.NoError(t, cbor.Unmarshal(resp.Data, &sr))

	tokenData := mustCBOR(t, tokenArgs{Token: sr.Token})
	resp = dispatchSigned(t, r, signer, owner, MethodWithdraw, tokenData)
	require.Nil(t, resp.Err)

	resp = dispatchSigned(t, r, signer, owner, MethodApprove, tokenData)
	assert.NotNil(t, resp.Err, "withdrawn transaction must reject further approval")

	resp = dispatchSigned(t, r, signer, owner, MethodRevoke, tokenData)
	assert.NotNil(t, resp.Err, "withdrawn transaction must reject revocation")
}

func TestRegisterRejectsUnregisteredMethod(t *testing.T) {
	r, _, _, signer, owner, _ := setupRegistered(t)
	resp := dispatchSigned(t, r, signer, owner, "account.multisigUnknownMethod", nil)
	require.NotNil(t, resp.Err)
}
