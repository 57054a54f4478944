package ledger

import (
	"errors"
	"fmt"

	"PDALedger/internal/pda"
)

// ErrInvariantViolated marks state that no sequence of valid operations can
// produce.
var ErrInvariantViolated = errors.New("ledger invariant violated")

// BalanceSource is anything that can report ledger balances: the live
// tracker, or a snapshot's balances before they are restored.
type BalanceSource interface {
	GetBalance(key AccountKey) int64
	ComputeGlobalBalance() int64
}

// BalanceMap is a plain balance table, as carried in a snapshot.
type BalanceMap map[AccountKey]int64

func (m BalanceMap) GetBalance(key AccountKey) int64 { return m[key] }

func (m BalanceMap) ComputeGlobalBalance() int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

// InvariantValidator checks the ledger against the account records it backs.
type InvariantValidator struct {
	balances BalanceSource
}

func NewInvariantValidator(balances BalanceSource) *InvariantValidator {
	return &InvariantValidator{balances: balances}
}

// ValidateBatch checks a staged batch is well-formed before it commits.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	return nil
}

// ValidateAccount checks that custody for addr equals the record's balance
// and that its rent reserve is exactly reserve.
func (v *InvariantValidator) ValidateAccount(addr pda.Pubkey, record *BankAccount, reserve uint64) error {
	held := v.balances.GetBalance(CustodyKey(addr))
	if held < 0 || uint64(held) != record.Balance {
		return fmt.Errorf("%w: custody for %s holds %d, record balance is %d",
			ErrInvariantViolated, addr, held, record.Balance)
	}
	reserved := v.balances.GetBalance(ReserveKey(addr))
	if reserved < 0 || uint64(reserved) != reserve {
		return fmt.Errorf("%w: reserve for %s holds %d, expected %d",
			ErrInvariantViolated, addr, reserved, reserve)
	}
	return nil
}

// ValidateGlobalBalance checks the ledger is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.balances.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("%w: global balance is %d", ErrInvariantViolated, total)
	}
	return nil
}
