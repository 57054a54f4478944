package custody

// Operation names an operation for fee purposes.
type Operation string

const (
	OpCreate   Operation = "create"
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
)

// FeeSchedule prices an operation. The result is an opaque, non-negative
// deduction from the caller's wallet.
type FeeSchedule interface {
	Fee(op Operation) uint64
}

// FlatFee charges the same amount for every operation.
type FlatFee uint64

func (f FlatFee) Fee(Operation) uint64 {
	return uint64(f)
}

// DefaultFee mirrors a single-signature network fee.
const DefaultFee FlatFee = 5000
