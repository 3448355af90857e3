// Package account implements the Account Model: named capability roles and
// numbered features attached to a set of member addresses, plus the
// parent-keyed AccountMap that the storage engine's subresource allocator
// hands out ids for (spec.md §4.5).
package account

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/manyerr"
)

// Role is a named capability an address can hold on an Account.
type Role string

const (
	RoleOwner                       Role = "owner"
	RoleCanLedgerTransact           Role = "canLedgerTransact"
	RoleCanMultisigSubmit           Role = "canMultisigSubmit"
	RoleCanMultisigApprove          Role = "canMultisigApprove"
	RoleCanKvStorePut               Role = "canKvStorePut"
	RoleCanKvStoreDisable           Role = "canKvStoreDisable"
	RoleCanKvStoreTransfer          Role = "canKvStoreTransfer"
	RoleCanTokensCreate             Role = "canTokensCreate"
	RoleCanTokensMint               Role = "canTokensMint"
	RoleCanTokensBurn               Role = "canTokensBurn"
	RoleCanTokensUpdate             Role = "canTokensUpdate"
	RoleCanTokensAddExtendedInfo    Role = "canTokensAddExtendedInfo"
	RoleCanTokensRemoveExtendedInfo Role = "canTokensRemoveExtendedInfo"
)

// Feature is a numbered capability an account carries, optionally with
// CBOR-encoded arguments (the same shape as an envelope attribute).
type Feature struct {
	ID        uint32
	Arguments []cbor.RawMessage
}

// Disabled records that an account has been disabled and why, distinct
// from an account simply never having been disabled.
type Disabled struct {
	Set    bool
	Reason string
}

// Account is the dispatcher-visible permission object every subresource
// address may own: a role graph keyed by member address, plus a feature
// set and an optional disabled marker.
type Account struct {
	mu          sync.RWMutex
	Description string
	Disabled    *Disabled
	features    map[uint32]Feature

	// roleGraph holds "account#role@member" membership edges, grounded on
	// a Zanzibar-style relationship graph but simplified: this protocol's
	// accounts have no group or inheritance concept, only direct
	// address-to-role-set membership, so no expansion/rewrite step is
	// needed.
	roleGraph map[string]map[Role]bool
}

// New creates an Account with submitter inserted into the Owner role, per
// spec.md §4.5 ("Creation always inserts the submitter into the Owner
// role").
func New(description string, submitter address.Address) *Account {
	a := &Account{
		Description: description,
		features:    make(map[uint32]Feature),
		roleGraph:   make(map[string]map[Role]bool),
	}
	a.grant(submitter, RoleOwner)
	return a
}

func (a *Account) grant(addr address.Address, role Role) {
	key := addr.String()
	if a.roleGraph[key] == nil {
		a.roleGraph[key] = make(map[Role]bool)
	}
	a.roleGraph[key][role] = true
}

// AddRole grants role to addr.
func (a *Account) AddRole(addr address.Address, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grant(addr, role)
}

// RemoveRole revokes role from addr, deleting the address's entry entirely
// once its role set is empty so iteration over members stays clean.
func (a *Account) RemoveRole(addr address.Address, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := addr.String()
	roles, ok := a.roleGraph[key]
	if !ok {
		return
	}
	delete(roles, role)
	if len(roles) == 0 {
		delete(a.roleGraph, key)
	}
}

// HasRole reports whether addr directly holds role.
func (a *Account) HasRole(addr address.Address, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roleGraph[addr.String()][role]
}

// Roles returns the set of roles addr directly holds.
func (a *Account) Roles(addr address.Address) []Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	roles := a.roleGraph[addr.String()]
	out := make([]Role, 0, len(roles))
	for r := range roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NeedsRole succeeds if addr holds at least one of the given roles;
// otherwise fails with user_needs_role naming the first requested role
// (spec.md §4.5 "needs_role").
func (a *Account) NeedsRole(addr address.Address, roles ...Role) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	held := a.roleGraph[addr.String()]
	for _, r := range roles {
		if held[r] {
			return nil
		}
	}
	if len(roles) == 0 {
		return nil
	}
	return manyerr.UserNeedsRole(string(roles[0]))
}

// AddFeature inserts or replaces a feature.
func (a *Account) AddFeature(f Feature) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.features[f.ID] = f
}

// HasFeature reports whether id is present.
func (a *Account) HasFeature(id uint32) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.features[id]
	return ok
}

// Feature returns the stored feature for id, if any.
func (a *Account) Feature(id uint32) (Feature, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.features[id]
	return f, ok
}

// Map is the parent-keyed directory of Accounts: each account lives at a
// 24-bit subresource id under a single parent identity (spec.md §4.5
// "AccountMap").
type Map struct {
	mu     sync.RWMutex
	parent address.Address
	byID   map[uint32]*Account
}

// NewMap creates an empty AccountMap rooted at parent.
func NewMap(parent address.Address) *Map {
	return &Map{parent: parent, byID: make(map[uint32]*Account)}
}

// checkParent verifies addr's hash matches this map's parent identity.
func (m *Map) checkParent(addr address.Address) (uint32, error) {
	if !addr.MatchesKey(hashOf(m.parent)) {
		return 0, fmt.Errorf("account: address does not belong to this map's parent")
	}
	id, ok := addr.SubresourceID()
	if !ok {
		return 0, fmt.Errorf("account: address has no subresource id")
	}
	return id, nil
}

func hashOf(addr address.Address) *[address.HashSize]byte {
	h := addr.ToByteArray()
	var out [address.HashSize]byte
	copy(out[:], h[1:1+address.HashSize])
	return &out
}

// Insert allocates id's slot with acct. The caller is responsible for
// obtaining id from the storage engine's subresource allocator.
func (m *Map) Insert(addr address.Address, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.checkParent(addr)
	if err != nil {
		return err
	}
	m.byID[id] = acct
	return nil
}

// Get looks up the account at addr, verifying it belongs to this map.
func (m *Map) Get(addr address.Address) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, err := m.checkParent(addr)
	if err != nil {
		return nil, err
	}
	acct, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("account: no account at %s", addr.String())
	}
	return acct, nil
}

// Remove deletes the account at addr, verifying it belongs to this map.
func (m *Map) Remove(addr address.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.checkParent(addr)
	if err != nil {
		return err
	}
	delete(m.byID, id)
	return nil
}
