// Package server exposes the ledger over gRPC and HTTP/JSON. Both transports
// share BankService, so an operation behaves the same whichever way it
// arrives.
package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"PDALedger/internal/core"
	"PDALedger/internal/ingestion"
	"PDALedger/internal/pda"
)

// Ledger is the read surface of the engine.
type Ledger interface {
	Derive(label string, owner pda.Pubkey) (pda.Derivation, error)
	FetchAccount(addr pda.Pubkey) (core.Account, error)
	WalletBalance(id pda.Pubkey) uint64
	Custody(addr pda.Pubkey) (held, reserved uint64)
	GetSequence() int64
	GetStateHash() [32]byte
}

// Submitter applies signed commands.
type Submitter interface {
	Submit(ctx context.Context, cmd ingestion.Command) (*core.Receipt, error)
}

type FetchAccountRequest struct {
	Address string `json:"address"`
}

type WalletRequest struct {
	Identity string `json:"identity"`
}

type DeriveRequest struct {
	Label string `json:"label"`
	Owner string `json:"owner"`
}

// AccountView is a bank account read straight from the engine.
type AccountView struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Balance     uint64 `json:"balance"`
	Bump        uint8  `json:"bump"`
	RentReserve uint64 `json:"rent_reserve"`
	Sequence    int64  `json:"as_of_sequence"`
}

// OperationReply is the typed result of a state-changing call.
type OperationReply struct {
	Sequence  int64        `json:"sequence"`
	StateHash string       `json:"state_hash"`
	Address   string       `json:"address,omitempty"`
	Fee       uint64       `json:"fee"`
	Wallet    uint64       `json:"wallet_balance"`
	Account   *AccountView `json:"account,omitempty"`
}

type WalletReply struct {
	Identity string `json:"identity"`
	Balance  uint64 `json:"balance"`
}

type DeriveReply struct {
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

// BankService implements every RPC once, in terms of the engine and the
// ingestion processor.
type BankService struct {
	ledger    Ledger
	submitter Submitter
}

func NewBankService(ledger Ledger, submitter Submitter) *BankService {
	return &BankService{ledger: ledger, submitter: submitter}
}

func (s *BankService) CreateAccount(ctx context.Context, req *ingestion.CreateAccountRequest) (*OperationReply, error) {
	return s.submit(ctx, req)
}

func (s *BankService) Deposit(ctx context.Context, req *ingestion.TransferRequest) (*OperationReply, error) {
	return s.submit(ctx, req.AsDeposit())
}

func (s *BankService) Withdraw(ctx context.Context, req *ingestion.TransferRequest) (*OperationReply, error) {
	return s.submit(ctx, req.AsWithdraw())
}

func (s *BankService) Airdrop(ctx context.Context, req *ingestion.AirdropRequest) (*OperationReply, error) {
	return s.submit(ctx, req)
}

func (s *BankService) FetchAccount(_ context.Context, req *FetchAccountRequest) (*AccountView, error) {
	addr, err := parseKey("address", req.Address)
	if err != nil {
		return nil, err
	}
	acct, err := s.ledger.FetchAccount(addr)
	if err != nil {
		return nil, err
	}
	return s.view(acct), nil
}

func (s *BankService) GetWalletBalance(_ context.Context, req *WalletRequest) (*WalletReply, error) {
	id, err := parseKey("identity", req.Identity)
	if err != nil {
		return nil, err
	}
	return &WalletReply{Identity: id.String(), Balance: s.ledger.WalletBalance(id)}, nil
}

func (s *BankService) DeriveAddress(_ context.Context, req *DeriveRequest) (*DeriveReply, error) {
	owner, err := parseKey("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	d, err := s.ledger.Derive(req.Label, owner)
	if err != nil {
		return nil, err
	}
	return &DeriveReply{Address: d.Address.String(), Bump: d.Bump}, nil
}

type commandRequest interface {
	Command() (ingestion.Command, error)
}

func (s *BankService) submit(ctx context.Context, req commandRequest) (*OperationReply, error) {
	cmd, err := req.Command()
	if err != nil {
		return nil, &BadRequestError{Err: err}
	}
	r, err := s.submitter.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}

	reply := &OperationReply{
		Sequence:  r.Sequence,
		StateHash: hex.EncodeToString(r.StateHash[:]),
		Fee:       r.Fee,
		Wallet:    r.Wallet,
	}
	if !r.Address.IsZero() {
		reply.Address = r.Address.String()
	}
	if r.Account != nil {
		reply.Account = s.view(*r.Account)
		reply.Account.Sequence = r.Sequence
	}
	return reply, nil
}

func (s *BankService) view(acct core.Account) *AccountView {
	_, reserved := s.ledger.Custody(acct.Address)
	return &AccountView{
		Address:     acct.Address.String(),
		Name:        acct.Record.Name,
		Owner:       acct.Record.Owner.String(),
		Balance:     acct.Record.Balance,
		Bump:        acct.Bump,
		RentReserve: reserved,
		Sequence:    s.ledger.GetSequence() - 1,
	}
}

func parseKey(field, s string) (pda.Pubkey, error) {
	if s == "" {
		return pda.Pubkey{}, &BadRequestError{Err: fmt.Errorf("%s is required", field)}
	}
	pk, err := pda.ParsePubkey(s)
	if err != nil {
		return pda.Pubkey{}, &BadRequestError{Err: fmt.Errorf("%s: %w", field, err)}
	}
	return pk, nil
}
