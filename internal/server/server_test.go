package server_test

import (
	"context"
	"net"
	"testing"

	"PDALedger/internal/auth"
	"PDALedger/internal/core"
	"PDALedger/internal/event"
	"PDALedger/internal/ingestion"
	"PDALedger/internal/server"
	"PDALedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fixture struct {
	core  *core.DeterministicCore
	bank  *server.BankService
	admin *auth.Keypair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	admin, err := auth.GenerateKeypair()
	require.NoError(t, err)

	c, err := core.NewDeterministicCore(core.Config{FaucetEnabled: true}, nil, nil, zerolog.Nop(), nil)
	require.NoError(t, err)

	proc := ingestion.NewProcessor(c, ingestion.ProcessorConfig{
		Verifier: auth.NewVerifier(admin.Public),
		Dedup:    ingestion.NewIdempotencyChecker(128, nil, nil),
	}, zerolog.Nop(), nil)

	return &fixture{core: c, bank: server.NewBankService(c, proc), admin: admin}
}

func (f *fixture) airdropReq(to *auth.Keypair, amount uint64) *ingestion.AirdropRequest {
	evt := &event.Airdrop{OperationID: uuid.New(), To: to.Public, Amount: amount}
	return &ingestion.AirdropRequest{
		OperationID: evt.OperationID.String(),
		To:          to.Public.String(),
		Amount:      amount,
		Signature:   f.admin.SignatureString(evt),
	}
}

func createReq(owner *auth.Keypair, label string) *ingestion.CreateAccountRequest {
	evt := &event.CreateAccount{OperationID: uuid.New(), Label: label, Owner: owner.Public, Caller: owner.Public}
	return &ingestion.CreateAccountRequest{
		OperationID: evt.OperationID.String(),
		Label:       label,
		Owner:       owner.Public.String(),
		Caller:      owner.Public.String(),
		Signature:   owner.SignatureString(evt),
	}
}

func transferReq(t *testing.T, caller *auth.Keypair, address string, amount uint64, withdraw bool) *ingestion.TransferRequest {
	t.Helper()
	req := &ingestion.TransferRequest{
		OperationID: uuid.New().String(),
		Address:     address,
		Amount:      amount,
		Caller:      caller.Public.String(),
	}
	// Sign the exact event the server will rebuild.
	probe := *req
	if withdraw {
		probe.AsWithdraw()
	} else {
		probe.AsDeposit()
	}
	cmd, err := probe.Command()
	require.NoError(t, err)
	req.Signature = caller.SignatureString(cmd.Event)
	return req
}

func dialBufconn(t *testing.T, f *fixture) (*server.BankClient, *grpc.ClientConn, *server.GRPCServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufconn", f.bank, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return server.NewBankClient(conn), conn, srv
}

func TestGRPC_AccountLifecycle(t *testing.T) {
	f := newFixture(t)
	client, _, _ := dialBufconn(t, f)
	ctx := context.Background()

	owner := testutil.NewIdentity(t)
	_, err := client.Airdrop(ctx, f.airdropReq(owner, 10_000_000))
	require.NoError(t, err)

	created, err := client.CreateAccount(ctx, createReq(owner, "MyBank"))
	require.NoError(t, err)
	require.NotNil(t, created.Account)
	assert.Equal(t, "MyBank", created.Account.Name)
	assert.Equal(t, owner.Public.String(), created.Account.Owner)
	assert.Zero(t, created.Account.Balance)
	assert.Equal(t, f.core.RentMinimum(), created.Account.RentReserve)

	derived, err := client.DeriveAddress(ctx, &server.DeriveRequest{Label: "MyBank", Owner: owner.Public.String()})
	require.NoError(t, err)
	assert.Equal(t, created.Address, derived.Address)

	_, err = client.Deposit(ctx, transferReq(t, owner, created.Address, 2_000_000, false))
	require.NoError(t, err)
	wd, err := client.Withdraw(ctx, transferReq(t, owner, created.Address, 500_000, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), wd.Account.Balance)

	fetched, err := client.FetchAccount(ctx, &server.FetchAccountRequest{Address: created.Address})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), fetched.Balance)

	wallet, err := client.GetWalletBalance(ctx, &server.WalletRequest{Identity: owner.Public.String()})
	require.NoError(t, err)
	assert.Equal(t, wd.Wallet, wallet.Balance)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	f := newFixture(t)
	client, _, _ := dialBufconn(t, f)
	ctx := context.Background()

	owner := testutil.NewIdentity(t)
	other := testutil.NewIdentity(t)
	_, err := client.Airdrop(ctx, f.airdropReq(owner, 10_000_000))
	require.NoError(t, err)
	created, err := client.CreateAccount(ctx, createReq(owner, "MyBank"))
	require.NoError(t, err)

	cases := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"already exists", func() error {
			_, err := client.CreateAccount(ctx, createReq(owner, "MyBank"))
			return err
		}, codes.AlreadyExists},
		{"not found", func() error {
			_, err := client.FetchAccount(ctx, &server.FetchAccountRequest{Address: other.Public.String()})
			return err
		}, codes.NotFound},
		{"invalid amount", func() error {
			_, err := client.Deposit(ctx, transferReq(t, owner, created.Address, 0, false))
			return err
		}, codes.InvalidArgument},
		{"unauthorized", func() error {
			_, err := client.Withdraw(ctx, transferReq(t, other, created.Address, 1, true))
			return err
		}, codes.PermissionDenied},
		{"insufficient balance", func() error {
			_, err := client.Withdraw(ctx, transferReq(t, owner, created.Address, 1, true))
			return err
		}, codes.FailedPrecondition},
		{"bad signature", func() error {
			req := createReq(owner, "Other")
			req.Signature = "1111"
			_, err := client.CreateAccount(ctx, req)
			return err
		}, codes.Unauthenticated},
		{"malformed key", func() error {
			_, err := client.GetWalletBalance(ctx, &server.WalletRequest{Identity: "not-base58-0OIl"})
			return err
		}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.Equal(t, tc.want, status.Code(err), err.Error())
		})
	}
}

func TestGRPC_Health(t *testing.T) {
	f := newFixture(t)
	_, conn, srv := dialBufconn(t, f)
	hc := healthpb.NewHealthClient(conn)

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
