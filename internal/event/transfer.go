package event

import (
	"time"

	"PDALedger/internal/pda"

	"github.com/google/uuid"
)

// Deposit moves Amount from the caller's wallet into the account at Address.
type Deposit struct {
	OperationID uuid.UUID  `json:"operation_id"`
	Address     pda.Pubkey `json:"address"`
	Amount      uint64     `json:"amount"`
	Caller      pda.Pubkey `json:"caller"`
	Timestamp   time.Time  `json:"timestamp"`
}

func (d *Deposit) IdempotencyKey() string {
	return d.OperationID.String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Authority() pda.Pubkey {
	return d.Caller
}

func (d *Deposit) OccurredAt() time.Time {
	return d.Timestamp
}

func (d *Deposit) SigningBytes() []byte {
	buf := signingHeader(d.EventType(), d.OperationID)
	buf = appendPubkey(buf, d.Address)
	buf = appendUint64(buf, d.Amount)
	return appendPubkey(buf, d.Caller)
}

// Withdraw releases Amount from the account at Address to its owner's wallet.
type Withdraw struct {
	OperationID uuid.UUID  `json:"operation_id"`
	Address     pda.Pubkey `json:"address"`
	Amount      uint64     `json:"amount"`
	Caller      pda.Pubkey `json:"caller"`
	Timestamp   time.Time  `json:"timestamp"`
}

func (w *Withdraw) IdempotencyKey() string {
	return w.OperationID.String()
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

func (w *Withdraw) Authority() pda.Pubkey {
	return w.Caller
}

func (w *Withdraw) OccurredAt() time.Time {
	return w.Timestamp
}

func (w *Withdraw) SigningBytes() []byte {
	buf := signingHeader(w.EventType(), w.OperationID)
	buf = appendPubkey(buf, w.Address)
	buf = appendUint64(buf, w.Amount)
	return appendPubkey(buf, w.Caller)
}

// Airdrop credits a wallet from the external faucet. Admin-injected only.
type Airdrop struct {
	OperationID uuid.UUID  `json:"operation_id"`
	To          pda.Pubkey `json:"to"`
	Amount      uint64     `json:"amount"`
	Timestamp   time.Time  `json:"timestamp"`
}

func (a *Airdrop) IdempotencyKey() string {
	return a.OperationID.String()
}

func (a *Airdrop) EventType() EventType {
	return EventTypeAirdrop
}

func (a *Airdrop) Authority() pda.Pubkey {
	return pda.Pubkey{}
}

func (a *Airdrop) OccurredAt() time.Time {
	return a.Timestamp
}

func (a *Airdrop) SigningBytes() []byte {
	buf := signingHeader(a.EventType(), a.OperationID)
	buf = appendPubkey(buf, a.To)
	return appendUint64(buf, a.Amount)
}
