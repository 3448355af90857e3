// Package router implements the Request Router: module registration,
// envelope dispatch (decode/verify/freshness/destination/lookup/invoke),
// asynchronous response tokens, and the always-present base module
// (spec.md §4.3).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/envelope"
	"github.com/liftedinit/many-go/pkg/manyerr"
	"github.com/liftedinit/many-go/pkg/protocol"
	"github.com/liftedinit/many-go/pkg/verifier"
	"github.com/liftedinit/many-go/pkg/versioning"
)

// Validator inspects a request (and its carrying envelope, for capability
// attributes such as WebAuthn) before the executor runs.
type Validator func(ctx context.Context, env envelope.Envelope, req *protocol.Request) error

// Executor performs the method and returns response data or an error.
type Executor func(ctx context.Context, req *protocol.Request) ([]byte, error)

// Module is a named, attribute-scoped group of dispatchable endpoints.
type Module struct {
	Name      string
	Attribute *uint32
	Endpoints []string
	Validator Validator
	Executor  Executor
}

// Fallback delegates unclaimed methods and contributes to base-module
// status/endpoints reporting.
type Fallback interface {
	Status() (identity address.Address, version int, serverVersion string)
	Endpoints() []string
	Handle(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)
}

// AsyncState is the lifecycle of a polled async token (spec.md §4.3.3).
type AsyncState int

const (
	AsyncUnknown AsyncState = iota
	AsyncQueued
	AsyncProcessing
	AsyncDone
	AsyncExpired
)

// AsyncStore persists the lifecycle of polled async tokens (spec.md
// §4.3.3). A Router built by New uses an in-memory store; SetAsyncStore
// swaps in a durable one (e.g. a Redis-backed store shared across
// replicas) without changing Dispatch's call sites.
type AsyncStore interface {
	Put(token string)
	SetProcessing(token string)
	SetDone(token string, env envelope.Envelope)
	SetExpired(token string)
	Status(token string) (AsyncState, *envelope.Envelope)
}

type asyncEntry struct {
	state AsyncState
	env   *envelope.Envelope
}

// memoryAsyncStore is the default AsyncStore: process-local, lost on
// restart. Sufficient for a single-node deployment or tests.
type memoryAsyncStore struct {
	mu      sync.Mutex
	entries map[string]*asyncEntry
}

func newMemoryAsyncStore() *memoryAsyncStore {
	return &memoryAsyncStore{entries: make(map[string]*asyncEntry)}
}

func (s *memoryAsyncStore) Put(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = &asyncEntry{state: AsyncQueued}
}

func (s *memoryAsyncStore) SetProcessing(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[token]; ok {
		e.state = AsyncProcessing
	}
}

func (s *memoryAsyncStore) SetDone(token string, env envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = &asyncEntry{state: AsyncDone, env: &env}
}

func (s *memoryAsyncStore) SetExpired(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[token]; ok {
		e.state = AsyncExpired
	}
}

func (s *memoryAsyncStore) Status(token string) (AsyncState, *envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return AsyncUnknown, nil
	}
	return e.state, e.env
}

// Router is the dispatcher: ordered modules, a method cache, own identity,
// timestamp-skew budget, wall clock, and an optional fallback.
type Router struct {
	mu sync.Mutex

	identity    address.Address
	signer      crypto.Signer
	verifierReg *verifier.Registry
	skew        time.Duration
	now         func() time.Time
	fallback    Fallback

	modules     []*Module
	methodOwner map[string]*Module
	attrOwner   map[uint32]*Module

	async AsyncStore

	logger *slog.Logger
}

// New builds a Router for the given server identity and signer.
func New(identity address.Address, signer crypto.Signer, verifierReg *verifier.Registry, skew time.Duration) *Router {
	r := &Router{
		identity:    identity,
		signer:      signer,
		verifierReg: verifierReg,
		skew:        skew,
		now:         time.Now,
		methodOwner: make(map[string]*Module),
		attrOwner:   make(map[uint32]*Module),
		async:       newMemoryAsyncStore(),
		logger:      slog.Default().With("component", "router"),
	}
	r.registerBaseModule()
	return r
}

// SetAsyncStore replaces the async-token backing store.
func (r *Router) SetAsyncStore(s AsyncStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.async = s
}

// SetClock overrides the wall-clock source, for deterministic tests.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetFallback installs the fallback handler.
func (r *Router) SetFallback(f Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = f
}

// Register adds a module. It panics on a colliding attribute id or
// endpoint name, matching the wiring-error-at-startup semantics of
// spec.md §4.3.1 ("panic-equivalent — it is a wiring error").
func (r *Router) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Attribute != nil {
		if owner, ok := r.attrOwner[*m.Attribute]; ok {
			panic(fmt.Sprintf("router: attribute %d already claimed by module %q", *m.Attribute, owner.Name))
		}
	}
	for _, ep := range m.Endpoints {
		if owner, ok := r.methodOwner[ep]; ok {
			panic(fmt.Sprintf("router: endpoint %q already claimed by module %q", ep, owner.Name))
		}
	}

	if m.Attribute != nil {
		r.attrOwner[*m.Attribute] = m
	}
	for _, ep := range m.Endpoints {
		r.methodOwner[ep] = m
	}
	r.modules = append(r.modules, m)
	r.logger.Info("module registered", "name", m.Name, "endpoints", m.Endpoints)
}

// Dispatch runs the full pipeline over an incoming wire envelope and
// returns the wire bytes of the signed response envelope.
func (r *Router) Dispatch(ctx context.Context, wire []byte) []byte {
	env, err := envelope.Decode(wire)
	if err != nil {
		return r.errorResponse(manyerr.New(manyerr.CodeDeserializationError, "could not decode envelope: {reason}",
			map[string]string{"reason": err.Error()}), address.Anonymous, nil)
	}

	from, err := r.verifierReg.Verify(env)
	if err != nil {
		return r.errorResponse(manyerr.Wrap(err), address.Anonymous, nil)
	}

	var req protocol.Request
	if err := req.UnmarshalCBOR(env.Payload); err != nil {
		return r.errorResponse(manyerr.Wrap(err), from, nil)
	}

	if !req.From.Equal(from) {
		return r.errorResponse(manyerr.New(manyerr.CodeInvalidFromIdentity,
			"request.from does not match the envelope's signer", nil), from, &req)
	}

	if err := r.checkFreshness(req.Timestamp); err != nil {
		return r.errorResponse(err, from, &req)
	}

	if !req.To.IsAnonymous() && !req.To.Equal(r.identity) {
		return r.errorResponse(manyerr.UnknownDestination(req.To.String()), from, &req)
	}

	r.mu.Lock()
	mod, ok := r.methodOwner[req.Method]
	r.mu.Unlock()

	if !ok {
		if r.fallback != nil {
			out, err := r.fallback.Handle(ctx, env)
			if err != nil {
				return r.errorResponse(manyerr.Wrap(err), from, &req)
			}
			data, err := out.Encode()
			if err != nil {
				return r.errorResponse(manyerr.Wrap(err), from, &req)
			}
			return data
		}
		return r.errorResponse(manyerr.CouldNotRouteMessage(req.Method), from, &req)
	}

	if mod.Validator != nil {
		if err := mod.Validator(ctx, env, &req); err != nil {
			return r.errorResponse(manyerr.Wrap(err), from, &req)
		}
	}

	data, err := mod.Executor(ctx, &req)
	if err != nil {
		return r.errorResponse(manyerr.Wrap(err), from, &req)
	}

	return r.sign(protocol.Response{
		Version:   protocol.Version,
		From:      r.identity,
		To:        from,
		Data:      data,
		Timestamp: r.now(),
		ID:        req.ID,
	})
}

// ExecuteInner dispatches an already-trusted Request through the same
// module-lookup-and-invoke path as a top-level envelope, used by the
// multi-signature engine to run a stored inner transaction with the
// multi-signature account as the synthesized sender (spec.md §4.6.3). It
// skips envelope decode/verify/freshness, which do not apply to a
// transaction already accepted and persisted.
func (r *Router) ExecuteInner(ctx context.Context, req *protocol.Request) protocol.Response {
	resp := protocol.Response{
		Version:   protocol.Version,
		From:      r.identity,
		To:        req.From,
		Timestamp: r.now(),
		ID:        req.ID,
	}

	if !req.To.IsAnonymous() && !req.To.Equal(r.identity) {
		resp.Err = manyerr.UnknownDestination(req.To.String())
		return resp
	}

	r.mu.Lock()
	mod, ok := r.methodOwner[req.Method]
	r.mu.Unlock()
	if !ok {
		resp.Err = manyerr.CouldNotRouteMessage(req.Method)
		return resp
	}

	data, err := mod.Executor(ctx, req)
	if err != nil {
		resp.Err = manyerr.Wrap(err)
		return resp
	}
	resp.Data = data
	return resp
}

func (r *Router) checkFreshness(ts time.Time) *manyerr.Error {
	if r.skew <= 0 {
		return manyerr.New(manyerr.CodeTimestampOutOfRange, "timestamp acceptance is disabled", nil)
	}
	if ts.IsZero() {
		return manyerr.New(manyerr.CodeRequiredFieldMissing, "request is missing a timestamp", nil)
	}
	delta := r.now().Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta >= r.skew {
		return manyerr.New(manyerr.CodeTimestampOutOfRange, "timestamp {delta}s outside the {skew}s freshness window",
			map[string]string{"delta": delta.String(), "skew": r.skew.String()})
	}
	return nil
}

func (r *Router) errorResponse(errVal *manyerr.Error, to address.Address, req *protocol.Request) []byte {
	resp := protocol.Response{
		Version:   protocol.Version,
		From:      r.identity,
		To:        to,
		Err:       errVal,
		Timestamp: r.now(),
	}
	if req != nil {
		resp.ID = req.ID
	}
	r.logger.WarnContext(context.Background(), "dispatch failed", "code", errVal.Code, "message", errVal.Message)
	return r.sign(resp)
}

func (r *Router) sign(resp protocol.Response) []byte {
	payload, err := resp.MarshalCBOR()
	if err != nil {
		return nil
	}
	env, err := envelope.Sign(r.signer, r.identity, payload)
	if err != nil {
		return nil
	}
	data, err := env.Encode()
	if err != nil {
		return nil
	}
	return data
}

// PutAsync registers a freshly queued async token.
func (r *Router) PutAsync(token string) {
	r.mu.Lock()
	store := r.async
	r.mu.Unlock()
	store.Put(token)
}

// SetAsyncProcessing marks a token as in-flight.
func (r *Router) SetAsyncProcessing(token string) {
	r.mu.Lock()
	store := r.async
	r.mu.Unlock()
	store.SetProcessing(token)
}

// SetAsyncDone records the final signed response envelope for a token.
func (r *Router) SetAsyncDone(token string, env envelope.Envelope) {
	r.mu.Lock()
	store := r.async
	r.mu.Unlock()
	store.SetDone(token, env)
}

// SetAsyncExpired marks a token as expired.
func (r *Router) SetAsyncExpired(token string) {
	r.mu.Lock()
	store := r.async
	r.mu.Unlock()
	store.SetExpired(token)
}

// AsyncStatus returns a token's current state and, if Done, its envelope.
func (r *Router) AsyncStatus(token string) (AsyncState, *envelope.Envelope) {
	r.mu.Lock()
	store := r.async
	r.mu.Unlock()
	return store.Status(token)
}

func (r *Router) registerBaseModule() {
	r.Register(&Module{
		Name:      "base",
		Endpoints: []string{"status", "endpoints", "heartbeat", "async.status"},
		Executor:  r.baseExecutor,
	})
}

func (r *Router) baseExecutor(ctx context.Context, req *protocol.Request) ([]byte, error) {
	switch req.Method {
	case "heartbeat":
		return nil, nil
	case "endpoints":
		return []byte(joinSorted(r.allEndpoints())), nil
	case "status":
		return r.statusPayload()
	case "async.status":
		return r.asyncStatusPayload(req.Data)
	default:
		return nil, manyerr.CouldNotRouteMessage(req.Method)
	}
}

type asyncStatusArgs struct {
	Token []byte `cbor:"0,keyasint"`
}

type asyncStatusWire struct {
	State    uint8  `cbor:"0,keyasint"`
	Envelope []byte `cbor:"1,keyasint,omitempty"`
}

func (r *Router) asyncStatusPayload(data []byte) ([]byte, error) {
	var args asyncStatusArgs
	if err := cbor.Unmarshal(data, &args); err != nil {
		return nil, manyerr.New(manyerr.CodeDeserializationError, "could not decode async.status args: {reason}",
			map[string]string{"reason": err.Error()})
	}

	state, env := r.AsyncStatus(string(args.Token))
	w := asyncStatusWire{State: uint8(state)}
	if state == AsyncDone && env != nil {
		wire, err := env.Encode()
		if err != nil {
			return nil, err
		}
		w.Envelope = wire
	}
	return cbor.Marshal(w)
}

func (r *Router) allEndpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoints := make([]string, 0, len(r.methodOwner))
	for ep := range r.methodOwner {
		endpoints = append(endpoints, ep)
	}
	if r.fallback != nil {
		endpoints = append(endpoints, r.fallback.Endpoints()...)
	}
	sort.Strings(endpoints)
	return endpoints
}

func joinSorted(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

type statusPayload struct {
	Identity      []byte   `cbor:"0,keyasint"`
	PublicKey     []byte   `cbor:"1,keyasint,omitempty"`
	Version       int      `cbor:"2,keyasint"`
	Attributes    []uint32 `cbor:"3,keyasint"`
	Timeout       int64    `cbor:"4,keyasint"`
	ServerVersion string   `cbor:"5,keyasint,omitempty"`
}

func (r *Router) statusPayload() ([]byte, error) {
	r.mu.Lock()
	attrs := make([]uint32, 0, len(r.attrOwner))
	for a := range r.attrOwner {
		attrs = append(attrs, a)
	}
	r.mu.Unlock()
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })

	sv := versioning.New(1, 0, 0).String()
	if r.fallback != nil {
		fid, fver, fserver := r.fallback.Status()
		if !fid.Equal(r.identity) {
			return nil, fmt.Errorf("router: fallback reports a different identity than the server")
		}
		if fver != protocol.Version {
			return nil, fmt.Errorf("router: fallback reports a different protocol version than the server")
		}
		if fserver != "" && fserver != sv {
			return nil, fmt.Errorf("router: fallback reports a different server version than the server")
		}
	}

	var pub []byte
	if r.signer != nil {
		pub = r.signer.PublicKey()
	}

	sp := statusPayload{
		Identity:      r.identity.ToBytes(),
		PublicKey:     pub,
		Version:       protocol.Version,
		Attributes:    attrs,
		Timeout:       int64(r.skew / time.Second),
		ServerVersion: sv,
	}
	return cbor.Marshal(sp)
}
