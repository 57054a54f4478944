package ledger

import (
	"fmt"
	"strings"

	"PDALedger/internal/pda"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// ScopeWallet is an identity's externally held balance.
	ScopeWallet AccountScope = iota
	// ScopeCustody is value held on behalf of a bank account; mirrors BankAccount.Balance.
	ScopeCustody
	// ScopeReserve is the rent-exempt minimum locked when a bank account is created.
	ScopeReserve
	// ScopeSystemFees collects per-operation processing fees.
	ScopeSystemFees
	// ScopeExternalFaucet is the boundary account airdrops are drawn from. It goes negative.
	ScopeExternalFaucet
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope  AccountScope
	Entity pda.Pubkey // identity for wallets, bank account address for custody/reserve
}

func WalletKey(id pda.Pubkey) AccountKey {
	return AccountKey{Scope: ScopeWallet, Entity: id}
}

func CustodyKey(addr pda.Pubkey) AccountKey {
	return AccountKey{Scope: ScopeCustody, Entity: addr}
}

func ReserveKey(addr pda.Pubkey) AccountKey {
	return AccountKey{Scope: ScopeReserve, Entity: addr}
}

func FeesKey() AccountKey {
	return AccountKey{Scope: ScopeSystemFees}
}

func FaucetKey() AccountKey {
	return AccountKey{Scope: ScopeExternalFaucet}
}

// MayGoNegative reports whether the account is an external boundary account.
func (k AccountKey) MayGoNegative() bool {
	return k.Scope == ScopeExternalFaucet
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case ScopeWallet:
		return "wallet:" + k.Entity.String()
	case ScopeCustody:
		return "custody:" + k.Entity.String()
	case ScopeReserve:
		return "reserve:" + k.Entity.String()
	case ScopeSystemFees:
		return "system:fees"
	case ScopeExternalFaucet:
		return "external:faucet"
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	switch path {
	case "system:fees":
		return FeesKey(), nil
	case "external:faucet":
		return FaucetKey(), nil
	}

	scope, entity, ok := strings.Cut(path, ":")
	if !ok {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	pk, err := pda.ParsePubkey(entity)
	if err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
	}

	switch scope {
	case "wallet":
		return WalletKey(pk), nil
	case "custody":
		return CustodyKey(pk), nil
	case "reserve":
		return ReserveKey(pk), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope %q", scope)
}
