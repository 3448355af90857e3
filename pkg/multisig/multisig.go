// Package multisig implements the Multi-signature Engine: submission,
// approval, revocation, execution, withdrawal, and the timeout sweep over
// pending transactions (spec.md §4.6).
package multisig

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/account"
	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/attribute"
	"github.com/liftedinit/many-go/pkg/events"
	"github.com/liftedinit/many-go/pkg/manyerr"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/router"
	"github.com/liftedinit/many-go/pkg/storage"
)

// Defaults per spec.md §4.6.1.
const (
	DefaultThreshold   = 1
	DefaultTimeout     = 86400 * time.Second
	MaxTimeout         = 16000000 * time.Second // ~185 days
	DefaultAutoExecute = false

	// FeatureID identifies the multisig account feature: its Arguments
	// carry the per-account configured threshold/timeout/auto-execute
	// defaults multisigSetDefaults writes and Submit reads.
	FeatureID uint32 = 1
)

// featureArgs is the CBOR shape of the multisig feature's Arguments[0]:
// per-account overrides of the package-level defaults above. A nil
// pointer field means "use the default".
type featureArgs struct {
	Threshold            *uint64 `cbor:"0,keyasint,omitempty"`
	TimeoutSeconds       *uint64 `cbor:"1,keyasint,omitempty"`
	ExecuteAutomatically *bool   `cbor:"2,keyasint,omitempty"`
}

// accountDefaults resolves a's configured multisig defaults, falling back
// to the package defaults for any field the feature does not override.
func accountDefaults(a *account.Account) (threshold uint64, timeout time.Duration, autoExec bool) {
	threshold, timeout, autoExec = DefaultThreshold, DefaultTimeout, DefaultAutoExecute
	f, ok := a.Feature(FeatureID)
	if !ok || len(f.Arguments) == 0 {
		return
	}
	var args featureArgs
	if err := cbor.Unmarshal(f.Arguments[0], &args); err != nil {
		return
	}
	if args.Threshold != nil {
		threshold = *args.Threshold
	}
	if args.TimeoutSeconds != nil {
		timeout = time.Duration(*args.TimeoutSeconds) * time.Second
	}
	if args.ExecuteAutomatically != nil {
		autoExec = *args.ExecuteAutomatically
	}
	return
}

// State is a pending transaction's position in the state machine
// (spec.md §4.6.2).
type State int

const (
	Pending State = iota
	ExecutedManually
	ExecutedAutomatically
	Withdrawn
	Expired
)

// SubmitOptions lets an Owner submitter override the feature's configured
// defaults; non-owner submitters must leave every field at its zero value.
type SubmitOptions struct {
	Threshold            uint64
	Timeout              time.Duration
	ExecuteAutomatically bool
}

// Transaction is one multi-signature submission.
type Transaction struct {
	Token                []byte
	Account              address.Address
	Submitter            address.Address
	Memo                 string
	Operation            protocol.Request
	Threshold            uint64
	Timeout              time.Time
	ExecuteAutomatically bool
	State                State
	Approvers            map[string]bool // address string -> approved
	Result               *protocol.Response
	submittedAt          time.Time
}

func approverKey(addr address.Address) string { return addr.String() }

// Accounts resolves an account address to its governing Account.
type Accounts interface {
	Lookup(addr address.Address) (*account.Account, bool)
}

// Engine holds pending and terminal transactions, keyed by token, plus the
// router used to execute an approved transaction's inner request.
type Engine struct {
	mu       sync.Mutex
	engine   *storage.Engine
	accounts Accounts
	router   *router.Router
	log      *events.Log

	byToken map[string]*Transaction
	counter uint32

	logger *slog.Logger
}

// New builds a multi-signature Engine.
func New(storageEngine *storage.Engine, accounts Accounts, r *router.Router, log *events.Log) *Engine {
	return &Engine{
		engine:   storageEngine,
		accounts: accounts,
		router:   r,
		log:      log,
		byToken:  make(map[string]*Transaction),
		logger:   slog.Default().With("component", "multisig"),
	}
}

func (e *Engine) emit(kind events.Kind, addr address.Address, details any) {
	raw, _ := cbor.Marshal(details)
	e.log.Append(events.Entry{
		ID:   events.NewID(e.engine.Height(), e.counter),
		Time: time.Now(),
		Content: events.Content{
			Kind:    kind,
			Index:   attribute.Index{Attribute: attribute.Multisig},
			Details: raw,
		},
	})
	e.counter++
}

// Submit creates a Pending transaction on acct, requiring submitter to
// hold Owner or CanMultisigSubmit (spec.md §4.6.2 "Submit requires").
func (e *Engine) Submit(ctx context.Context, acct address.Address, submitter address.Address, op protocol.Request, memo string, opts SubmitOptions) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts.Lookup(acct)
	if !ok {
		return nil, fmt.Errorf("multisig: no such account %s", acct.String())
	}
	if err := a.NeedsRole(submitter, account.RoleOwner, account.RoleCanMultisigSubmit); err != nil {
		return nil, err
	}

	isOwner := a.HasRole(submitter, account.RoleOwner)
	threshold, timeout, autoExec := accountDefaults(a)

	overridesRequested := opts.Threshold != 0 || opts.Timeout != 0 || opts.ExecuteAutomatically
	if overridesRequested && !isOwner {
		return nil, manyerr.UserNeedsRole("owner")
	}
	if isOwner {
		if opts.Threshold != 0 {
			threshold = opts.Threshold
		}
		if opts.Timeout != 0 {
			timeout = opts.Timeout
		}
		autoExec = opts.ExecuteAutomatically
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	token := make([]byte, 8)
	id := events.NewID(e.engine.Height(), e.counter)
	copy(token, id.Bytes())

	tx := &Transaction{
		Token:                token,
		Account:              acct,
		Submitter:            submitter,
		Memo:                 memo,
		Operation:            op,
		Threshold:            threshold,
		Timeout:              time.Now().Add(timeout),
		ExecuteAutomatically: autoExec,
		State:                Pending,
		Approvers:            map[string]bool{approverKey(submitter): true},
		submittedAt:          time.Now(),
	}
	e.byToken[string(token)] = tx
	if err := e.persist(ctx, tx); err != nil {
		return nil, err
	}
	e.emit(events.KindAccountMultisigSubmit, submitter, struct {
		Token string `cbor:"0,keyasint"`
	}{Token: fmt.Sprintf("%x", token)})

	if autoExec && tx.approvedCount() >= threshold {
		if err := e.execute(ctx, tx, ExecutedAutomatically); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// SetDefaults overwrites acct's configured multisig defaults (spec.md
// §4.6.1 "per-feature configurable"); caller must be Owner. Unset fields
// in args leave the corresponding default unchanged.
func (e *Engine) SetDefaults(acct address.Address, caller address.Address, args SubmitOptions, setThreshold, setTimeout, setAutoExec bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts.Lookup(acct)
	if !ok {
		return fmt.Errorf("multisig: no such account %s", acct.String())
	}
	if err := a.NeedsRole(caller, account.RoleOwner); err != nil {
		return err
	}

	threshold, timeout, autoExec := accountDefaults(a)
	if setThreshold {
		threshold = args.Threshold
	}
	if setTimeout {
		timeout = args.Timeout
	}
	if setAutoExec {
		autoExec = args.ExecuteAutomatically
	}

	timeoutSecs := uint64(timeout / time.Second)
	raw, err := cbor.Marshal(featureArgs{
		Threshold:            &threshold,
		TimeoutSeconds:       &timeoutSecs,
		ExecuteAutomatically: &autoExec,
	})
	if err != nil {
		return err
	}
	a.AddFeature(account.Feature{ID: FeatureID, Arguments: []cbor.RawMessage{raw}})
	e.emit(events.KindAccountMultisigSetDef, caller, struct {
		Account string `cbor:"0,keyasint"`
	}{Account: acct.String()})
	return nil
}

func (tx *Transaction) approvedCount() uint64 {
	var n uint64
	for _, v := range tx.Approvers {
		if v {
			n++
		}
	}
	return n
}

func (e *Engine) lookup(token []byte) (*Transaction, error) {
	tx, ok := e.byToken[string(token)]
	if !ok {
		return nil, manyerr.TransactionNotFound(fmt.Sprintf("%x", token))
	}
	return tx, nil
}

// Info returns the transaction stored under token, for the read-only
// multisigInfo endpoint.
func (e *Engine) Info(token []byte) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(token)
}

func requirePending(tx *Transaction) error {
	if tx.State != Pending {
		return manyerr.TransactionExpiredOrWithdrawn()
	}
	return nil
}

// Approve records caller's approval. If execute_automatically is set and
// the threshold is now met, the transaction executes immediately
// (spec.md §4.6.2).
func (e *Engine) Approve(ctx context.Context, token []byte, caller address.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.lookup(token)
	if err != nil {
		return err
	}
	if err := requirePending(tx); err != nil {
		return err
	}
	a, ok := e.accounts.Lookup(tx.Account)
	if !ok {
		return fmt.Errorf("multisig: no such account %s", tx.Account.String())
	}
	if err := a.NeedsRole(caller, account.RoleOwner, account.RoleCanMultisigApprove, account.RoleCanMultisigSubmit); err != nil {
		return err
	}

	tx.Approvers[approverKey(caller)] = true
	if err := e.persist(ctx, tx); err != nil {
		return err
	}
	e.emit(events.KindAccountMultisigApprove, caller, tokenDetails(token))

	if tx.ExecuteAutomatically && tx.approvedCount() >= tx.Threshold {
		return e.execute(ctx, tx, ExecutedAutomatically)
	}
	return nil
}

// Revoke withdraws caller's own approval, or any approve-capable caller's
// vote (spec.md §4.6.2). A submitter who revokes is recorded with
// approved = false rather than removed entirely.
func (e *Engine) Revoke(ctx context.Context, token []byte, caller address.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.lookup(token)
	if err != nil {
		return err
	}
	if err := requirePending(tx); err != nil {
		return err
	}

	_, alreadyApproved := tx.Approvers[approverKey(caller)]
	if !alreadyApproved {
		a, ok := e.accounts.Lookup(tx.Account)
		if !ok {
			return fmt.Errorf("multisig: no such account %s", tx.Account.String())
		}
		if err := a.NeedsRole(caller, account.RoleOwner, account.RoleCanMultisigApprove, account.RoleCanMultisigSubmit); err != nil {
			return err
		}
	}

	tx.Approvers[approverKey(caller)] = false
	if err := e.persist(ctx, tx); err != nil {
		return err
	}
	e.emit(events.KindAccountMultisigRevoke, caller, tokenDetails(token))
	return nil
}

// Execute runs the stored inner transaction if caller is Owner or the
// original submitter and the approval threshold is met (spec.md §4.6.2,
// §4.6.3).
func (e *Engine) Execute(ctx context.Context, token []byte, caller address.Address) (*protocol.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.lookup(token)
	if err != nil {
		return nil, err
	}
	if err := requirePending(tx); err != nil {
		return nil, err
	}

	a, ok := e.accounts.Lookup(tx.Account)
	if !ok {
		return nil, fmt.Errorf("multisig: no such account %s", tx.Account.String())
	}
	isOwner := a.HasRole(caller, account.RoleOwner)
	if !isOwner && !caller.Equal(tx.Submitter) {
		return nil, manyerr.CannotExecuteTransaction()
	}
	if tx.approvedCount() < tx.Threshold {
		return nil, manyerr.CannotExecuteTransaction()
	}

	if err := e.execute(ctx, tx, ExecutedManually); err != nil {
		return nil, err
	}
	return tx.Result, nil
}

func (e *Engine) execute(ctx context.Context, tx *Transaction, state State) error {
	req := tx.Operation
	req.From = tx.Account

	resp := e.router.ExecuteInner(ctx, &req)
	resp.From = tx.Account
	resp.Timestamp = time.Now()

	tx.State = state
	tx.Result = &resp
	if err := e.persist(ctx, tx); err != nil {
		return err
	}
	kind := events.KindAccountMultisigExecute
	e.emit(kind, tx.Account, tokenDetails(tx.Token))
	e.logger.InfoContext(ctx, "transaction executed",
		"token", fmt.Sprintf("%x", tx.Token), "account", tx.Account.String(), "state", state)
	return nil
}

// Withdraw terminates a pending transaction without executing it; caller
// must be Owner or the original submitter (spec.md §4.6.2).
func (e *Engine) Withdraw(ctx context.Context, token []byte, caller address.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.lookup(token)
	if err != nil {
		return err
	}
	if err := requirePending(tx); err != nil {
		return err
	}

	a, ok := e.accounts.Lookup(tx.Account)
	if !ok {
		return fmt.Errorf("multisig: no such account %s", tx.Account.String())
	}
	isOwner := a.HasRole(caller, account.RoleOwner)
	if !isOwner && !caller.Equal(tx.Submitter) {
		return manyerr.CannotExecuteTransaction()
	}

	tx.State = Withdrawn
	if err := e.persist(ctx, tx); err != nil {
		return err
	}
	e.emit(events.KindAccountMultisigWithdraw, caller, tokenDetails(tx.Token))
	return nil
}

// Sweep runs the timeout sweep over pending transactions in descending
// token order, expiring any whose timeout has passed, and stopping early
// once it reaches entries certainly beyond their own maximum lifetime
// (spec.md §4.6.4).
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tokens := make([]string, 0, len(e.byToken))
	for tok, tx := range e.byToken {
		if tx.State == Pending {
			tokens = append(tokens, tok)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(tokens)))

	var expired []*Transaction
	for _, tok := range tokens {
		tx := e.byToken[tok]
		if now.Before(tx.Timeout) {
			if now.Sub(tx.submittedAt) > MaxTimeout {
				break
			}
			continue
		}
		expired = append(expired, tx)
	}

	sort.Slice(expired, func(i, j int) bool {
		return string(expired[i].Token) < string(expired[j].Token)
	})
	for _, tx := range expired {
		tx.State = Expired
		if err := e.persist(ctx, tx); err != nil {
			return err
		}
		e.emit(events.KindAccountMultisigExpired, tx.Account, tokenDetails(tx.Token))
	}
	if len(expired) > 0 {
		e.logger.InfoContext(ctx, "sweep expired transactions", "count", len(expired))
	}
	return nil
}

func tokenDetails(token []byte) any {
	return struct {
		Token string `cbor:"0,keyasint"`
	}{Token: fmt.Sprintf("%x", token)}
}

type transactionWire struct {
	Account   []byte          `cbor:"0,keyasint"`
	Submitter []byte          `cbor:"1,keyasint"`
	Memo      string          `cbor:"2,keyasint,omitempty"`
	Operation cbor.RawMessage `cbor:"3,keyasint"`
	Threshold uint64          `cbor:"4,keyasint"`
	Timeout   int64           `cbor:"5,keyasint"`
	AutoExec  bool            `cbor:"6,keyasint"`
	State     int             `cbor:"7,keyasint"`
}

func (e *Engine) persist(ctx context.Context, tx *Transaction) error {
	opBytes, err := tx.Operation.MarshalCBOR()
	if err != nil {
		return err
	}
	w := transactionWire{
		Account:   tx.Account.ToBytes(),
		Submitter: tx.Submitter.ToBytes(),
		Memo:      tx.Memo,
		Operation: opBytes,
		Threshold: tx.Threshold,
		Timeout:   tx.Timeout.Unix(),
		AutoExec:  tx.ExecuteAutomatically,
		State:     int(tx.State),
	}
	data, err := cbor.Marshal(w)
	if err != nil {
		return err
	}
	return e.engine.Apply(ctx, []storage.Op{{Key: storage.MultisigKey(tx.Token), Value: data}})
}
