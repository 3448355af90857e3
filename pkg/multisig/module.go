package multisig

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/attribute"
	"github.com/liftedinit/many-go/pkg/manyerr"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/router"
)

// Endpoint names, namespaced under "account" per the attribute-9 feature
// this engine backs (spec.md §4.5, §4.6).
const (
	MethodSubmitTransaction = "account.multisigSubmitTransaction"
	MethodInfo              = "account.multisigInfo"
	MethodSetDefaults       = "account.multisigSetDefaults"
	MethodApprove           = "account.multisigApprove"
	MethodRevoke            = "account.multisigRevoke"
	MethodExecute           = "account.multisigExecute"
	MethodWithdraw          = "account.multisigWithdraw"
)

// Register installs the multisig lifecycle endpoints on r under
// attribute.Multisig, letting a signed envelope drive Submit/Approve/
// Revoke/Execute/Withdraw/SetDefaults over the wire instead of only
// through Go callers (spec.md §4.6.2, §4.6.3).
func (e *Engine) Register(r *router.Router) {
	attr := attribute.Multisig
	r.Register(&router.Module{
		Name:      "account.multisig",
		Attribute: &attr,
		Endpoints: []string{
			MethodSubmitTransaction,
			MethodInfo,
			MethodSetDefaults,
			MethodApprove,
			MethodRevoke,
			MethodExecute,
			MethodWithdraw,
		},
		Executor: e.dispatch,
	})
}

func (e *Engine) dispatch(ctx context.Context, req *protocol.Request) ([]byte, error) {
	switch req.Method {
	case MethodSubmitTransaction:
		return e.rpcSubmit(ctx, req)
	case MethodInfo:
		return e.rpcInfo(req)
	case MethodSetDefaults:
		return e.rpcSetDefaults(req)
	case MethodApprove:
		return e.rpcApprove(ctx, req)
	case MethodRevoke:
		return e.rpcRevoke(ctx, req)
	case MethodExecute:
		return e.rpcExecute(ctx, req)
	case MethodWithdraw:
		return e.rpcWithdraw(ctx, req)
	default:
		return nil, manyerr.CouldNotRouteMessage(req.Method)
	}
}

type submitArgs struct {
	Account              []byte          `cbor:"0,keyasint"`
	Memo                 string          `cbor:"1,keyasint,omitempty"`
	Transaction          cbor.RawMessage `cbor:"2,keyasint"`
	Threshold            uint64          `cbor:"3,keyasint,omitempty"`
	TimeoutSeconds       uint64          `cbor:"4,keyasint,omitempty"`
	ExecuteAutomatically bool            `cbor:"5,keyasint,omitempty"`
}

type submitReturn struct {
	Token []byte `cbor:"0,keyasint"`
}

func (e *Engine) rpcSubmit(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args submitArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode submit args: %w", err)
	}
	acct, err := address.FromBytes(args.Account)
	if err != nil {
		return nil, fmt.Errorf("multisig: invalid account: %w", err)
	}

	var inner protocol.Request
	if err := inner.UnmarshalCBOR(args.Transaction); err != nil {
		return nil, manyerr.UnsupportedTransactionType()
	}

	opts := SubmitOptions{
		Threshold:            args.Threshold,
		Timeout:              time.Duration(args.TimeoutSeconds) * time.Second,
		ExecuteAutomatically: args.ExecuteAutomatically,
	}
	tx, err := e.Submit(ctx, acct, req.From, inner, args.Memo, opts)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(submitReturn{Token: tx.Token})
}

type tokenArgs struct {
	Token []byte `cbor:"0,keyasint"`
}

type emptyReturn struct{}

type infoReturn struct {
	Memo                 string          `cbor:"0,keyasint,omitempty"`
	Transaction          cbor.RawMessage `cbor:"1,keyasint"`
	Submitter            []byte          `cbor:"2,keyasint"`
	Approvers            map[string]bool `cbor:"3,keyasint"`
	Threshold            uint64          `cbor:"4,keyasint"`
	ExecuteAutomatically bool            `cbor:"5,keyasint"`
	Timeout              int64           `cbor:"6,keyasint"`
	State                int             `cbor:"7,keyasint"`
}

func (e *Engine) rpcInfo(req *protocol.Request) ([]byte, error) {
	var args tokenArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode info args: %w", err)
	}
	tx, err := e.Info(args.Token)
	if err != nil {
		return nil, err
	}
	opBytes, err := tx.Operation.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(infoReturn{
		Memo:                 tx.Memo,
		Transaction:          opBytes,
		Submitter:            tx.Submitter.ToBytes(),
		Approvers:            tx.Approvers,
		Threshold:            tx.Threshold,
		ExecuteAutomatically: tx.ExecuteAutomatically,
		Timeout:              tx.Timeout.Unix(),
		State:                int(tx.State),
	})
}

type setDefaultsArgs struct {
	Account              []byte  `cbor:"0,keyasint"`
	Threshold            *uint64 `cbor:"1,keyasint,omitempty"`
	TimeoutSeconds       *uint64 `cbor:"2,keyasint,omitempty"`
	ExecuteAutomatically *bool   `cbor:"3,keyasint,omitempty"`
}

func (e *Engine) rpcSetDefaults(req *protocol.Request) ([]byte, error) {
	var args setDefaultsArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode set_defaults args: %w", err)
	}
	acct, err := address.FromBytes(args.Account)
	if err != nil {
		return nil, fmt.Errorf("multisig: invalid account: %w", err)
	}

	opts := SubmitOptions{}
	if args.Threshold != nil {
		opts.Threshold = *args.Threshold
	}
	if args.TimeoutSeconds != nil {
		opts.Timeout = time.Duration(*args.TimeoutSeconds) * time.Second
	}
	if args.ExecuteAutomatically != nil {
		opts.ExecuteAutomatically = *args.ExecuteAutomatically
	}
	if err := e.SetDefaults(acct, req.From, opts,
		args.Threshold != nil, args.TimeoutSeconds != nil, args.ExecuteAutomatically != nil); err != nil {
		return nil, err
	}
	return cbor.Marshal(emptyReturn{})
}

func (e *Engine) rpcApprove(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args tokenArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode approve args: %w", err)
	}
	if err := e.Approve(ctx, args.Token, req.From); err != nil {
		return nil, err
	}
	return cbor.Marshal(emptyReturn{})
}

func (e *Engine) rpcRevoke(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args tokenArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode revoke args: %w", err)
	}
	if err := e.Revoke(ctx, args.Token, req.From); err != nil {
		return nil, err
	}
	return cbor.Marshal(emptyReturn{})
}

func (e *Engine) rpcExecute(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args tokenArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode execute args: %w", err)
	}
	resp, err := e.Execute(ctx, args.Token, req.From)
	if err != nil {
		return nil, err
	}
	return resp.MarshalCBOR()
}

func (e *Engine) rpcWithdraw(ctx context.Context, req *protocol.Request) ([]byte, error) {
	var args tokenArgs
	if err := cbor.Unmarshal(req.Data, &args); err != nil {
		return nil, fmt.Errorf("multisig: decode withdraw args: %w", err)
	}
	if err := e.Withdraw(ctx, args.Token, req.From); err != nil {
		return nil, err
	}
	return cbor.Marshal(emptyReturn{})
}
