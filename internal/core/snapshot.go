package core

import (
	"fmt"
	"sort"

	"PDALedger/internal/ledger"
	"PDALedger/internal/pda"
)

// SnapshotState is the serializable in-memory state of the core.
type SnapshotState struct {
	// Sequence of the last applied operation; -1 before the first.
	Sequence  int64     `json:"sequence"`
	StateHash [32]byte  `json:"state_hash"`
	Balances  []Balance `json:"balances"`
	Accounts  []Account `json:"accounts"`
}

// Balance is one ledger account balance keyed by its account path.
type Balance struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// CreateSnapshotState captures the current state. Slices are sorted so equal
// states serialize identically.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balances := make([]Balance, 0)
	for key, amount := range c.tracker.Snapshot() {
		balances = append(balances, Balance{Account: key.AccountPath(), Amount: amount})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Account < balances[j].Account })

	accounts := make([]Account, 0, len(c.accounts))
	for _, acct := range c.accounts {
		accounts = append(accounts, *acct)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address.String() < accounts[j].Address.String()
	})

	return &SnapshotState{
		Sequence:  c.sequence - 1,
		StateHash: c.hasher.Tip(),
		Balances:  balances,
		Accounts:  accounts,
	}
}

// RestoreFromSnapshot replaces the core's state. The restored accounts are
// re-verified against the deriver's program id, custody and rent reserve,
// and the balances must be zero-sum with no custody or reserve balance
// outside a listed account, before anything is replaced.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	balances := make(map[ledger.AccountKey]int64, len(snap.Balances))
	for _, b := range snap.Balances {
		key, err := ledger.ParseAccountPath(b.Account)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		balances[key] = b.Amount
	}

	check := ledger.NewInvariantValidator(ledger.BalanceMap(balances))
	if err := check.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}

	accounts := make(map[pda.Pubkey]*Account, len(snap.Accounts))
	for i := range snap.Accounts {
		acct := snap.Accounts[i]
		if err := c.deriver.Verify(acct.Record.Name, acct.Record.Owner, acct.Bump, acct.Address); err != nil {
			return fmt.Errorf("restore account %s: %w", acct.Address, err)
		}
		if err := check.ValidateAccount(acct.Address, &acct.Record, c.rentMinimum); err != nil {
			return fmt.Errorf("restore account %s: %w", acct.Address, err)
		}
		accounts[acct.Address] = &acct
	}
	for key := range balances {
		if key.Scope != ledger.ScopeCustody && key.Scope != ledger.ScopeReserve {
			continue
		}
		if _, ok := accounts[key.Entity]; !ok {
			return fmt.Errorf("restore balances: %w: %s has no account", ledger.ErrInvariantViolated, key)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracker.Restore(balances)
	c.accounts = accounts
	c.sequence = snap.Sequence + 1
	c.hasher.Reset(snap.StateHash)

	if c.metrics != nil {
		c.metrics.AccountsTotal.Set(float64(len(c.accounts)))
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}
