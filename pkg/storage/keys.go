package storage

import "fmt"

// Reserved storage key prefixes (spec.md §3 "Storage keys").
const (
	KeyHeight         = "/height"
	KeyConfigIdentity = "/config/identity"
)

// ConfigSymbolKey is /config/symbols or /config/symbols/<sym>.
func ConfigSymbolKey(symbol string) string {
	if symbol == "" {
		return "/config/symbols"
	}
	return fmt.Sprintf("/config/symbols/%s", symbol)
}

// SubresourceCounterKey is the per-parent subresource counter key.
func SubresourceCounterKey(parent string) string {
	return fmt.Sprintf("/config/subresource_counter/%s", parent)
}

// LegacySubresourceCounterKey is the single pre-migration counter shared
// across all parents (spec.md §4.4.4, §9 open question).
const LegacySubresourceCounterKey = "/config/subresource_counter/ACCOUNT_SUBRESOURCE_ID_ROOT"

// BalanceKey is /balances/<addr>/<sym>.
func BalanceKey(addr, symbol string) string {
	return fmt.Sprintf("/balances/%s/%s", addr, symbol)
}

// MultisigKey is /multisig/<20-byte-left-padded-event-id-hex>.
func MultisigKey(eventID []byte) string {
	padded := make([]byte, 20)
	if len(eventID) > 20 {
		eventID = eventID[len(eventID)-20:]
	}
	copy(padded[20-len(eventID):], eventID)
	return fmt.Sprintf("/multisig/%x", padded)
}
