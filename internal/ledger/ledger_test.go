package ledger_test

import (
	"PDALedger/internal/ledger"
	"PDALedger/internal/pda"
	"errors"
	"strings"
	"testing"
)

var (
	alice = pda.Pubkey{1}
	bankA = pda.Pubkey{2}
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PathRoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.WalletKey(alice),
		ledger.CustodyKey(bankA),
		ledger.ReserveKey(bankA),
		ledger.FeesKey(),
		ledger.FaucetKey(),
	}

	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("round trip of %q: got %+v, want %+v", key.AccountPath(), parsed, key)
		}
	}
}

func TestAccountKey_WalletPath(t *testing.T) {
	path := ledger.WalletKey(alice).AccountPath()
	if !strings.HasPrefix(path, "wallet:") || !strings.HasSuffix(path, alice.String()) {
		t.Errorf("unexpected wallet path %q", path)
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	for _, path := range []string{"", "wallet", "vault:" + alice.String(), "wallet:xyz"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func airdrop(to pda.Pubkey, amount int64) *ledger.Batch {
	b := ledger.NewBatch("airdrop", 0, 0)
	b.Add(ledger.JournalTypeAirdrop, ledger.WalletKey(to), ledger.FaucetKey(), amount)
	return b
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if got := bt.GetBalance(ledger.WalletKey(alice)); got != 0 {
		t.Errorf("initial balance should be 0, got %d", got)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if err := bt.ApplyBatch(airdrop(alice, 10_000)); err != nil {
		t.Fatalf("airdrop: %v", err)
	}

	b := ledger.NewBatch("deposit", 1, 0)
	b.Add(ledger.JournalTypeDeposit, ledger.CustodyKey(bankA), ledger.WalletKey(alice), 1_000)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := bt.GetBalance(ledger.WalletKey(alice)); got != 9_000 {
		t.Errorf("wallet: got %d, want 9_000", got)
	}
	if got := bt.GetBalance(ledger.CustodyKey(bankA)); got != 1_000 {
		t.Errorf("custody: got %d, want 1_000", got)
	}
	if got := bt.GetBalance(ledger.FaucetKey()); got != -10_000 {
		t.Errorf("faucet: got %d, want -10_000", got)
	}
}

func TestBalanceTracker_RejectsNegativeAtomically(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(airdrop(alice, 1_000)); err != nil {
		t.Fatal(err)
	}

	// First leg fits, second overdraws: nothing may be applied.
	b := ledger.NewBatch("deposit", 1, 0)
	b.Add(ledger.JournalTypeDeposit, ledger.CustodyKey(bankA), ledger.WalletKey(alice), 600)
	b.Add(ledger.JournalTypeFee, ledger.FeesKey(), ledger.WalletKey(alice), 600)

	err := bt.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}

	var balErr *ledger.BalanceError
	if !errors.As(err, &balErr) || balErr.Account != ledger.WalletKey(alice) {
		t.Errorf("expected BalanceError on alice's wallet, got %v", err)
	}

	if got := bt.GetBalance(ledger.WalletKey(alice)); got != 1_000 {
		t.Errorf("wallet changed after rejected batch: %d", got)
	}
	if got := bt.GetBalance(ledger.CustodyKey(bankA)); got != 0 {
		t.Errorf("custody changed after rejected batch: %d", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(airdrop(alice, 5_000)); err != nil {
		t.Fatal(err)
	}

	b := ledger.NewBatch("create", 1, 0)
	b.Add(ledger.JournalTypeRentReserve, ledger.ReserveKey(bankA), ledger.WalletKey(alice), 1_000)
	b.Add(ledger.JournalTypeFee, ledger.FeesKey(), ledger.WalletKey(alice), 50)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance should be zero, got %d", total)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(airdrop(alice, 999)); err != nil {
		t.Fatal(err)
	}

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}
	if bt.GetBalance(ledger.WalletKey(alice)) != 999 {
		t.Error("tracker was modified through snapshot")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if restored.GetBalance(ledger.WalletKey(alice)) != 999 {
		t.Error("restore lost wallet balance")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	empty := ledger.NewBatch("x", 0, 0)
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}

	self := ledger.NewBatch("x", 0, 0)
	self.Add(ledger.JournalTypeDeposit, ledger.WalletKey(alice), ledger.WalletKey(alice), 1)
	if err := self.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}

	zero := ledger.NewBatch("x", 0, 0)
	zero.Add(ledger.JournalTypeDeposit, ledger.CustodyKey(bankA), ledger.WalletKey(alice), 0)
	if err := zero.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

// ============================================================================
// Test: BankAccount record
// ============================================================================

func TestBankAccount_FixedSizeRoundTrip(t *testing.T) {
	acct := &ledger.BankAccount{Name: "MyBank", Balance: 1_000, Owner: alice}

	data, err := acct.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != ledger.RecordSize {
		t.Fatalf("record size: got %d, want %d", len(data), ledger.RecordSize)
	}

	var decoded ledger.BankAccount
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != *acct {
		t.Errorf("got %+v, want %+v", decoded, *acct)
	}

	long := &ledger.BankAccount{Name: strings.Repeat("n", ledger.MaxNameLen), Owner: alice}
	longData, err := long.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal max-length name: %v", err)
	}
	if len(longData) != ledger.RecordSize {
		t.Errorf("max-length name changed record size to %d", len(longData))
	}
}

func TestBankAccount_RejectsCorruptRecord(t *testing.T) {
	acct := &ledger.BankAccount{Name: "MyBank", Owner: alice}
	data, _ := acct.MarshalBinary()

	var decoded ledger.BankAccount
	if err := decoded.UnmarshalBinary(data[:len(data)-1]); !errors.Is(err, ledger.ErrInvalidRecord) {
		t.Errorf("short record: got %v", err)
	}

	data[0] ^= 0xff
	if err := decoded.UnmarshalBinary(data); !errors.Is(err, ledger.ErrInvalidRecord) {
		t.Errorf("bad discriminator: got %v", err)
	}
}

func TestValidateName(t *testing.T) {
	if err := ledger.ValidateName("MyBank"); err != nil {
		t.Errorf("MyBank: %v", err)
	}
	for _, bad := range []string{"", strings.Repeat("x", ledger.MaxNameLen+1), "\xff\xfe"} {
		if err := ledger.ValidateName(bad); !errors.Is(err, ledger.ErrInvalidName) {
			t.Errorf("%q: expected ErrInvalidName, got %v", bad, err)
		}
	}
}

func TestInvariantValidator_Account(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	record := &ledger.BankAccount{Name: "MyBank", Owner: alice}

	if err := v.ValidateAccount(bankA, record, 0); err != nil {
		t.Errorf("empty account should match empty custody: %v", err)
	}

	record.Balance = 10
	if err := v.ValidateAccount(bankA, record, 0); !errors.Is(err, ledger.ErrInvariantViolated) {
		t.Errorf("expected custody mismatch, got %v", err)
	}

	record.Balance = 0
	if err := v.ValidateAccount(bankA, record, 1_000); !errors.Is(err, ledger.ErrInvariantViolated) {
		t.Errorf("expected reserve mismatch, got %v", err)
	}
}

func TestInvariantValidator_BalanceMap(t *testing.T) {
	m := ledger.BalanceMap{
		ledger.WalletKey(alice):  -100,
		ledger.CustodyKey(bankA): 60,
		ledger.ReserveKey(bankA): 40,
	}
	v := ledger.NewInvariantValidator(m)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
	if err := v.ValidateAccount(bankA, &ledger.BankAccount{Name: "MyBank", Owner: alice, Balance: 60}, 40); err != nil {
		t.Error(err)
	}

	m[ledger.FeesKey()] = 1
	if err := v.ValidateGlobalBalance(); !errors.Is(err, ledger.ErrInvariantViolated) {
		t.Errorf("expected non-zero sum, got %v", err)
	}
}
