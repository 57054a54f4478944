package event

import (
	"encoding/binary"
	"time"

	"PDALedger/internal/pda"
)

// EventType discriminator for operation payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateAccount
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeAirdrop
)

// EventEnvelope wraps every applied operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Operation id supplied by the caller
	IdempotencyKey string

	EventType EventType

	// Bank account the operation touched; zero for wallet-only operations
	Address pda.Pubkey

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all operations implement
type Event interface {
	// IdempotencyKey returns the caller's operation id
	IdempotencyKey() string

	EventType() EventType

	// Authority returns the identity that authorized the operation
	Authority() pda.Pubkey

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time

	// SigningBytes returns the canonical message the authority signs
	SigningBytes() []byte
}

func (et EventType) String() string {
	switch et {
	case EventTypeCreateAccount:
		return "CreateAccount"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeAirdrop:
		return "Airdrop"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "CreateAccount":
		return EventTypeCreateAccount
	case "Deposit":
		return EventTypeDeposit
	case "Withdraw":
		return EventTypeWithdraw
	case "Airdrop":
		return EventTypeAirdrop
	default:
		return EventTypeUnknown
	}
}

const signingDomain = "pdaledger/v1/"

func signingHeader(et EventType, opID [16]byte) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, signingDomain...)
	buf = append(buf, et.String()...)
	buf = append(buf, 0)
	buf = append(buf, opID[:]...)
	return buf
}

func appendPubkey(buf []byte, pk pda.Pubkey) []byte {
	return append(buf, pk[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}
