package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"PDALedger/internal/event"
	"PDALedger/internal/pda"

	"github.com/google/uuid"
)

// Command is a decoded operation together with the signature that
// authorizes it. The signature is base58 and unverified at this point.
type Command struct {
	Event     event.Event
	Signature string
}

// ParseRawEvent converts a RawEvent (JSON bytes + operation name) into a
// typed Command. Only the wire format is checked here; amounts and
// ownership are the engine's business.
func ParseRawEvent(raw RawEvent, eventType string) (Command, error) {
	var req interface{ Command() (Command, error) }
	switch eventType {
	case "CreateAccount":
		req = &CreateAccountRequest{}
	case "Deposit", "Withdraw":
		req = &TransferRequest{kind: eventType}
	case "Airdrop":
		req = &AirdropRequest{}
	default:
		return Command{}, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(raw.Data, req); err != nil {
		return Command{}, fmt.Errorf("parse %s: %w", eventType, err)
	}
	return req.Command()
}

// --- JSON wire formats ---
// These are shared by NATS, gRPC and HTTP. Field names use snake_case to
// match upstream producers; keys are base58.

type CreateAccountRequest struct {
	OperationID string  `json:"operation_id"`
	Label       string  `json:"label"`
	Owner       string  `json:"owner"`
	Caller      string  `json:"caller"`
	Address     *string `json:"address,omitempty"`
	TimestampUs int64   `json:"timestamp_us,omitempty"`
	Signature   string  `json:"signature"`
}

func (j *CreateAccountRequest) Command() (Command, error) {
	opID, err := parseOperationID(j.OperationID)
	if err != nil {
		return Command{}, err
	}
	owner, err := parseKey("owner", j.Owner)
	if err != nil {
		return Command{}, err
	}
	caller, err := parseKey("caller", j.Caller)
	if err != nil {
		return Command{}, err
	}

	evt := &event.CreateAccount{
		OperationID: opID,
		Label:       j.Label,
		Owner:       owner,
		Caller:      caller,
		Timestamp:   timestampOrNow(j.TimestampUs),
	}
	if j.Address != nil {
		addr, err := parseKey("address", *j.Address)
		if err != nil {
			return Command{}, err
		}
		evt.Address = &addr
	}
	return Command{Event: evt, Signature: j.Signature}, nil
}

// TransferRequest carries both deposits and withdrawals.
type TransferRequest struct {
	OperationID string `json:"operation_id"`
	Address     string `json:"address"`
	Amount      uint64 `json:"amount"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
	Signature   string `json:"signature"`

	kind string
}

// AsDeposit and AsWithdraw select which operation Command builds.
func (j *TransferRequest) AsDeposit() *TransferRequest {
	j.kind = "Deposit"
	return j
}

func (j *TransferRequest) AsWithdraw() *TransferRequest {
	j.kind = "Withdraw"
	return j
}

func (j *TransferRequest) Command() (Command, error) {
	opID, err := parseOperationID(j.OperationID)
	if err != nil {
		return Command{}, err
	}
	addr, err := parseKey("address", j.Address)
	if err != nil {
		return Command{}, err
	}
	caller, err := parseKey("caller", j.Caller)
	if err != nil {
		return Command{}, err
	}
	ts := timestampOrNow(j.TimestampUs)

	switch j.kind {
	case "Deposit":
		return Command{
			Event:     &event.Deposit{OperationID: opID, Address: addr, Amount: j.Amount, Caller: caller, Timestamp: ts},
			Signature: j.Signature,
		}, nil
	case "Withdraw":
		return Command{
			Event:     &event.Withdraw{OperationID: opID, Address: addr, Amount: j.Amount, Caller: caller, Timestamp: ts},
			Signature: j.Signature,
		}, nil
	}
	return Command{}, fmt.Errorf("transfer request without a direction")
}

type AirdropRequest struct {
	OperationID string `json:"operation_id"`
	To          string `json:"to"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
	Signature   string `json:"signature"`
}

func (j *AirdropRequest) Command() (Command, error) {
	opID, err := parseOperationID(j.OperationID)
	if err != nil {
		return Command{}, err
	}
	to, err := parseKey("to", j.To)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Event: &event.Airdrop{
			OperationID: opID,
			To:          to,
			Amount:      j.Amount,
			Timestamp:   timestampOrNow(j.TimestampUs),
		},
		Signature: j.Signature,
	}, nil
}

func parseOperationID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse operation_id: %w", err)
	}
	return id, nil
}

func parseKey(field, s string) (pda.Pubkey, error) {
	pk, err := pda.ParsePubkey(s)
	if err != nil {
		return pda.Pubkey{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return pk, nil
}

func timestampOrNow(us int64) time.Time {
	if us == 0 {
		return time.Now().UTC()
	}
	return time.UnixMicro(us).UTC()
}
