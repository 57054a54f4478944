package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"time"

	"PDALedger/internal/ingestion"
	"PDALedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pdaledger.bank.v1.BankService"

// JSONCodecName is the content subtype BankService messages travel as.
// Clients select it with grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// BankServer is the server API for BankService.
type BankServer interface {
	CreateAccount(context.Context, *ingestion.CreateAccountRequest) (*OperationReply, error)
	Deposit(context.Context, *ingestion.TransferRequest) (*OperationReply, error)
	Withdraw(context.Context, *ingestion.TransferRequest) (*OperationReply, error)
	Airdrop(context.Context, *ingestion.AirdropRequest) (*OperationReply, error)
	FetchAccount(context.Context, *FetchAccountRequest) (*AccountView, error)
	GetWalletBalance(context.Context, *WalletRequest) (*WalletReply, error)
	DeriveAddress(context.Context, *DeriveRequest) (*DeriveReply, error)
}

// RegisterBankServer registers srv on s.
func RegisterBankServer(s grpc.ServiceRegistrar, srv BankServer) {
	s.RegisterService(&BankServiceDesc, srv)
}

// unaryHandler adapts one BankServer method to a grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any](method string, call func(BankServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BankServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(BankServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var BankServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BankServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateAccount", Handler: unaryHandler("CreateAccount", BankServer.CreateAccount)},
		{MethodName: "Deposit", Handler: unaryHandler("Deposit", BankServer.Deposit)},
		{MethodName: "Withdraw", Handler: unaryHandler("Withdraw", BankServer.Withdraw)},
		{MethodName: "Airdrop", Handler: unaryHandler("Airdrop", BankServer.Airdrop)},
		{MethodName: "FetchAccount", Handler: unaryHandler("FetchAccount", BankServer.FetchAccount)},
		{MethodName: "GetWalletBalance", Handler: unaryHandler("GetWalletBalance", BankServer.GetWalletBalance)},
		{MethodName: "DeriveAddress", Handler: unaryHandler("DeriveAddress", BankServer.DeriveAddress)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pdaledger/bank/v1/bank.proto",
}

// grpcBankServer maps BankService errors to status codes.
type grpcBankServer struct {
	svc *BankService
}

func (g grpcBankServer) CreateAccount(ctx context.Context, req *ingestion.CreateAccountRequest) (*OperationReply, error) {
	r, err := g.svc.CreateAccount(ctx, req)
	return r, grpcError(err)
}

func (g grpcBankServer) Deposit(ctx context.Context, req *ingestion.TransferRequest) (*OperationReply, error) {
	r, err := g.svc.Deposit(ctx, req)
	return r, grpcError(err)
}

func (g grpcBankServer) Withdraw(ctx context.Context, req *ingestion.TransferRequest) (*OperationReply, error) {
	r, err := g.svc.Withdraw(ctx, req)
	return r, grpcError(err)
}

func (g grpcBankServer) Airdrop(ctx context.Context, req *ingestion.AirdropRequest) (*OperationReply, error) {
	r, err := g.svc.Airdrop(ctx, req)
	return r, grpcError(err)
}

func (g grpcBankServer) FetchAccount(ctx context.Context, req *FetchAccountRequest) (*AccountView, error) {
	r, err := g.svc.FetchAccount(ctx, req)
	return r, grpcError(err)
}

func (g grpcBankServer) GetWalletBalance(ctx context.Context, req *WalletRequest) (*WalletReply, error) {
	r, err := g.svc.GetWalletBalance(ctx, req)
	return r, grpcError(err)
}

func (g grpcBankServer) DeriveAddress(ctx context.Context, req *DeriveRequest) (*DeriveReply, error) {
	r, err := g.svc.DeriveAddress(ctx, req)
	return r, grpcError(err)
}

// GRPCServer wraps the gRPC server with BankService and health registered.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	grpcAddr   string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with all services registered.
func NewGRPCServer(grpcAddr string, svc *BankService, logger zerolog.Logger, metrics *observability.Metrics) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryObserver(logger, metrics)))

	RegisterBankServer(grpcServer, grpcBankServer{svc: svc})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		logger:     logger,
	}
}

// SetServing flips the health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func unaryObserver(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		method := path.Base(info.FullMethod)
		resp, err := handler(ctx, req)

		code := status.Code(err)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues("grpc", method).Inc()
			metrics.QueryDuration.WithLabelValues("grpc", method).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues("grpc", method, code.String()).Inc()
			}
		}
		logger.Debug().
			Str("method", method).
			Str("code", code.String()).
			Dur("took", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}
