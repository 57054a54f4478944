package server

import (
	"context"

	"PDALedger/internal/ingestion"

	"google.golang.org/grpc"
)

// BankClient is the client API for BankService.
type BankClient struct {
	cc grpc.ClientConnInterface
}

func NewBankClient(cc grpc.ClientConnInterface) *BankClient {
	return &BankClient{cc: cc}
}

func (c *BankClient) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *BankClient) CreateAccount(ctx context.Context, in *ingestion.CreateAccountRequest, opts ...grpc.CallOption) (*OperationReply, error) {
	out := new(OperationReply)
	if err := c.invoke(ctx, "CreateAccount", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankClient) Deposit(ctx context.Context, in *ingestion.TransferRequest, opts ...grpc.CallOption) (*OperationReply, error) {
	out := new(OperationReply)
	if err := c.invoke(ctx, "Deposit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankClient) Withdraw(ctx context.Context, in *ingestion.TransferRequest, opts ...grpc.CallOption) (*OperationReply, error) {
	out := new(OperationReply)
	if err := c.invoke(ctx, "Withdraw", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankClient) Airdrop(ctx context.Context, in *ingestion.AirdropRequest, opts ...grpc.CallOption) (*OperationReply, error) {
	out := new(OperationReply)
	if err := c.invoke(ctx, "Airdrop", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankClient) FetchAccount(ctx context.Context, in *FetchAccountRequest, opts ...grpc.CallOption) (*AccountView, error) {
	out := new(AccountView)
	if err := c.invoke(ctx, "FetchAccount", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankClient) GetWalletBalance(ctx context.Context, in *WalletRequest, opts ...grpc.CallOption) (*WalletReply, error) {
	out := new(WalletReply)
	if err := c.invoke(ctx, "GetWalletBalance", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankClient) DeriveAddress(ctx context.Context, in *DeriveRequest, opts ...grpc.CallOption) (*DeriveReply, error) {
	out := new(DeriveReply)
	if err := c.invoke(ctx, "DeriveAddress", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
