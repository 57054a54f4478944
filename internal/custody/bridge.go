// Package custody is the only place value moves between wallets and bank
// account custody. It stages journal entries on a batch; the caller commits
// the batch together with its own record update.
package custody

import (
	"errors"
	"fmt"

	"PDALedger/internal/ledger"
	fpmath "PDALedger/internal/math"
	"PDALedger/internal/pda"
)

var (
	// ErrInsufficientFunds means a wallet cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	// ErrInsufficientCustody means custody cannot cover a release.
	ErrInsufficientCustody = errors.New("insufficient custody")
	ErrZeroAmount          = errors.New("amount must be positive")
)

// Bridge moves value between externally held and account-internal balances.
type Bridge struct {
	tracker *ledger.BalanceTracker
}

func NewBridge(tracker *ledger.BalanceTracker) *Bridge {
	return &Bridge{tracker: tracker}
}

// TransferIn stages moving amount from a wallet into an account's custody.
func (br *Bridge) TransferIn(b *ledger.Batch, from, to pda.Pubkey, amount uint64) error {
	return br.stage(b, ledger.JournalTypeDeposit, ledger.CustodyKey(to), ledger.WalletKey(from), amount)
}

// TransferOut stages releasing amount from an account's custody to a wallet.
func (br *Bridge) TransferOut(b *ledger.Batch, from, to pda.Pubkey, amount uint64) error {
	return br.stage(b, ledger.JournalTypeWithdrawal, ledger.WalletKey(to), ledger.CustodyKey(from), amount)
}

// FundReserve stages locking the rent-exempt minimum for a new account.
func (br *Bridge) FundReserve(b *ledger.Batch, payer, addr pda.Pubkey, amount uint64) error {
	return br.stage(b, ledger.JournalTypeRentReserve, ledger.ReserveKey(addr), ledger.WalletKey(payer), amount)
}

// ChargeFee stages a processing fee. A zero fee stages nothing.
func (br *Bridge) ChargeFee(b *ledger.Batch, payer pda.Pubkey, fee uint64) error {
	if fee == 0 {
		return nil
	}
	return br.stage(b, ledger.JournalTypeFee, ledger.FeesKey(), ledger.WalletKey(payer), fee)
}

// Airdrop stages crediting a wallet from the external faucet.
func (br *Bridge) Airdrop(b *ledger.Batch, to pda.Pubkey, amount uint64) error {
	return br.stage(b, ledger.JournalTypeAirdrop, ledger.WalletKey(to), ledger.FaucetKey(), amount)
}

// Commit applies every staged entry or none. Shortfalls are reported as
// ErrInsufficientFunds or ErrInsufficientCustody.
func (br *Bridge) Commit(b *ledger.Batch) error {
	err := br.tracker.ApplyBatch(b)
	if err == nil {
		return nil
	}

	var balErr *ledger.BalanceError
	if errors.As(err, &balErr) && errors.Is(err, ledger.ErrNegativeBalance) {
		switch balErr.Account.Scope {
		case ledger.ScopeWallet:
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds,
				balErr.Account.Entity, balErr.Have, -balErr.Delta)
		case ledger.ScopeCustody:
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientCustody,
				balErr.Account.Entity, balErr.Have, -balErr.Delta)
		}
	}
	return err
}

// WalletBalance returns an identity's externally held balance.
func (br *Bridge) WalletBalance(id pda.Pubkey) uint64 {
	return nonNegative(br.tracker.GetBalance(ledger.WalletKey(id)))
}

// Held returns the value in custody for an account.
func (br *Bridge) Held(addr pda.Pubkey) uint64 {
	return nonNegative(br.tracker.GetBalance(ledger.CustodyKey(addr)))
}

// Reserved returns the rent reserve locked for an account.
func (br *Bridge) Reserved(addr pda.Pubkey) uint64 {
	return nonNegative(br.tracker.GetBalance(ledger.ReserveKey(addr)))
}

func (br *Bridge) stage(b *ledger.Batch, jt ledger.JournalType, debit, credit ledger.AccountKey, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	v, err := fpmath.ToLedgerAmount(amount)
	if err != nil {
		return fmt.Errorf("%s amount %d: %w", jt, amount, err)
	}
	b.Add(jt, debit, credit, v)
	return nil
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
