package event

import (
	"time"

	"PDALedger/internal/pda"

	"github.com/google/uuid"
)

// CreateAccount initializes the bank account derived from (Label, Owner).
type CreateAccount struct {
	OperationID uuid.UUID  `json:"operation_id"`
	Label       string     `json:"label"`
	Owner       pda.Pubkey `json:"owner"`
	Caller      pda.Pubkey `json:"caller"`
	// Address is the caller's claimed derivation; nil skips the comparison.
	Address   *pda.Pubkey `json:"address,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (c *CreateAccount) IdempotencyKey() string {
	return c.OperationID.String()
}

func (c *CreateAccount) EventType() EventType {
	return EventTypeCreateAccount
}

func (c *CreateAccount) Authority() pda.Pubkey {
	return c.Caller
}

func (c *CreateAccount) OccurredAt() time.Time {
	return c.Timestamp
}

func (c *CreateAccount) SigningBytes() []byte {
	buf := signingHeader(c.EventType(), c.OperationID)
	buf = appendString(buf, c.Label)
	buf = appendPubkey(buf, c.Owner)
	buf = appendPubkey(buf, c.Caller)
	if c.Address != nil {
		buf = append(buf, 1)
		buf = appendPubkey(buf, *c.Address)
	} else {
		buf = append(buf, 0)
	}
	return buf
}
