package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/custody"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Backend is the node state the service reads and submits to.
type Backend interface {
	// Submit executes a transaction. A Result returned with an error means
	// the transaction committed and a later step failed.
	Submit(ctx context.Context, tx *runtime.Transaction) (*runtime.Result, error)
	Accounts() accounts.DB
	CustodyProgram() types.Pubkey
}

// Config holds gRPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// MaxMessageSize bounds request and response sizes in bytes.
	MaxMessageSize int

	// KeepaliveTime is the interval of server pings on idle connections.
	KeepaliveTime time.Duration

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultConfig returns a default gRPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8900",
		MaxMessageSize: 1024 * 1024,
		KeepaliveTime:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("grpc address is required")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	return nil
}

// CustodyServer is the service implementation registered with gRPC.
type CustodyServer interface {
	SendTransaction(context.Context, *SendTransactionRequest) (*SendTransactionResponse, error)
	GetLockedBalance(context.Context, *GetLockedBalanceRequest) (*LockedBalance, error)
	GetPool(context.Context, *GetPoolRequest) (*Pool, error)
	AuditPool(context.Context, *AuditPoolRequest) (*AuditPoolResponse, error)
}

// Server serves the custody service.
type Server struct {
	config  Config
	backend Backend
	grpc    *grpc.Server

	mu      sync.Mutex
	running bool
}

// New creates a server over backend.
func New(config Config, backend Backend) *Server {
	s := &Server{config: config, backend: backend}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.UnaryInterceptor(s.logInterceptor),
	}
	if config.KeepaliveTime > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: 10 * time.Second,
		}))
	}
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Printf("[GRPC] Server listening on %s", ln.Addr())
	err := s.grpc.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.grpc.GracefulStop()
}

func (s *Server) logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if s.config.LogRequests {
		log.Printf("[GRPC] %s %s (%v)", info.FullMethod, status.Code(err), time.Since(start))
	}
	return resp, err
}

// SendTransaction executes a serialized transaction. A program failure
// returns a status mapped from the custody error, with the error code, the
// transaction ID and its sequence in the trailer.
func (s *Server) SendTransaction(ctx context.Context, req *SendTransactionRequest) (*SendTransactionResponse, error) {
	tx, err := runtime.DeserializeTransaction(req.Transaction)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid transaction: %v", err)
	}

	res, err := s.backend.Submit(ctx, tx)
	if res == nil {
		return nil, submitStatus(err)
	}
	if err != nil {
		log.Printf("[GRPC] tx %d %s: %v", res.Sequence, res.ID, err)
	}
	if !res.Success {
		trailer := metadata.Pairs(
			TrailerID, res.ID.String(),
			TrailerSequence, strconv.FormatUint(res.Sequence, 10),
		)
		if pe, ok := custody.AsProgramError(res.Err); ok {
			trailer.Append(TrailerErrorCode, strconv.FormatUint(uint64(pe.Code), 10))
			trailer.Append(TrailerErrorName, pe.Name)
		}
		grpc.SetTrailer(ctx, trailer)
		return nil, statusFromError(res.Err)
	}
	return &SendTransactionResponse{ID: res.ID, Sequence: res.Sequence, Logs: res.Logs}, nil
}

// GetLockedBalance returns a depositor's ledger record.
func (s *Server) GetLockedBalance(ctx context.Context, req *GetLockedBalanceRequest) (*LockedBalance, error) {
	record, addr, err := custody.LoadLedgerRecord(s.backend.Accounts(), s.backend.CustodyProgram(), req.Depositor, req.Mint)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &LockedBalance{
		Address:   addr,
		Depositor: record.Depositor,
		Authority: record.Authority,
		Amount:    record.Amount,
	}, nil
}

// GetPool returns the pool for a mint.
func (s *Server) GetPool(ctx context.Context, req *GetPoolRequest) (*Pool, error) {
	pool, err := custody.LoadPool(s.backend.Accounts(), s.backend.CustodyProgram(), req.Mint)
	if err != nil {
		return nil, statusFromError(err)
	}
	p := toPool(pool)
	return &p, nil
}

// AuditPool reports whether a pool covers its ledger records.
func (s *Server) AuditPool(ctx context.Context, req *AuditPoolRequest) (*AuditPoolResponse, error) {
	audit, err := custody.AuditPool(s.backend.Accounts(), s.backend.CustodyProgram(), req.Mint)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &AuditPoolResponse{
		Pool:        toPool(&audit.Pool),
		LockedTotal: audit.LockedTotal,
		Records:     audit.Records,
		Solvent:     audit.Solvent,
	}, nil
}

func toPool(p *custody.Pool) Pool {
	return Pool{Address: p.Address, Mint: p.Mint, Authority: p.Authority, Balance: p.Balance}
}

// submitStatus maps an error returned before execution.
func submitStatus(err error) error {
	switch {
	case errors.Is(err, runtime.ErrInvalidSignature),
		errors.Is(err, runtime.ErrMissingRequiredSignature):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, runtime.ErrNoInstructions),
		errors.Is(err, runtime.ErrTransactionTooLarge),
		errors.Is(err, runtime.ErrProgramNotFound):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, runtime.ErrAlreadyProcessed):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, runtime.ErrTransactionExpired),
		errors.Is(err, runtime.ErrInvalidRecentSequence):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// StatusCode returns the gRPC code a custody error maps to.
func StatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, custody.ErrAlreadyInitialized):
		return codes.AlreadyExists
	case errors.Is(err, custody.ErrAuthorityNotInitialized),
		errors.Is(err, custody.ErrLedgerNotInitialized),
		errors.Is(err, custody.ErrAccountNotInitialized):
		return codes.FailedPrecondition
	case errors.Is(err, custody.ErrAmountTooLarge),
		errors.Is(err, custody.ErrArithmeticOverflow):
		return codes.OutOfRange
	case errors.Is(err, custody.ErrTransferFailed):
		return codes.Aborted
	}
	if _, ok := custody.AsProgramError(err); ok {
		return codes.InvalidArgument
	}
	return codes.Internal
}

func statusFromError(err error) error {
	return status.Error(StatusCode(err), err.Error())
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CustodyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendTransaction", Handler: sendTransactionHandler},
		{MethodName: "GetLockedBalance", Handler: getLockedBalanceHandler},
		{MethodName: "GetPool", Handler: getPoolHandler},
		{MethodName: "AuditPool", Handler: auditPoolHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "custody/v1/custody.proto",
}

func sendTransactionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SendTransactionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodyServer).SendTransaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SendTransaction"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CustodyServer).SendTransaction(ctx, req.(*SendTransactionRequest))
	})
}

func getLockedBalanceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetLockedBalanceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodyServer).GetLockedBalance(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetLockedBalance"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CustodyServer).GetLockedBalance(ctx, req.(*GetLockedBalanceRequest))
	})
}

func getPoolHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetPoolRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodyServer).GetPool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetPool"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CustodyServer).GetPool(ctx, req.(*GetPoolRequest))
	})
}

func auditPoolHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AuditPoolRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodyServer).AuditPool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/AuditPool"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CustodyServer).AuditPool(ctx, req.(*AuditPoolRequest))
	})
}
