package ledger

import (
	"errors"
	"fmt"
	stdmath "math"
)

var (
	ErrNegativeBalance = errors.New("balance would go negative")
	ErrBalanceOverflow = errors.New("balance would overflow")
)

// BalanceError identifies the account a rejected batch would have broken.
type BalanceError struct {
	Account AccountKey
	Have    int64
	Delta   int64
	Err     error
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%s: have=%d, delta=%d: %v", e.Account.AccountPath(), e.Have, e.Delta, e.Err)
}

func (e *BalanceError) Unwrap() error {
	return e.Err
}

// BalanceTracker maintains in-memory account balances.
// Not thread-safe; the engine serializes access.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch applies all journals in a batch or none of them. Only boundary
// accounts may end below zero.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	deltas := batch.Deltas()
	next := make(map[AccountKey]int64, len(deltas))
	for key, delta := range deltas {
		have := bt.balances[key]
		if (delta > 0 && have > stdmath.MaxInt64-delta) || (delta < 0 && have < stdmath.MinInt64-delta) {
			return &BalanceError{Account: key, Have: have, Delta: delta, Err: ErrBalanceOverflow}
		}
		updated := have + delta
		if updated < 0 && !key.MayGoNegative() {
			return &BalanceError{Account: key, Have: have, Delta: delta, Err: ErrNegativeBalance}
		}
		next[key] = updated
	}

	for key, v := range next {
		if v == 0 {
			delete(bt.balances, key)
			continue
		}
		bt.balances[key] = v
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			bt.balances[k] = v
		}
	}
}
