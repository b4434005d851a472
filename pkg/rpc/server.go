// Package rpc implements the JSON-RPC 2.0 server for X1-Custody.
//
// Supported methods:
//   - Transactions: sendTransaction, getTransaction, getTransactionHistory
//   - Custody: getAuthority, getPool, getLockedBalance, auditPool
//   - Accounts: getAccountInfo, getMultipleAccounts, getProgramAccounts
//   - Node: getSequence, getHealth, getVersion
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/journal"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Version is reported by getVersion.
const Version = "0.1.0"

// Backend is the node state the server reads and submits to.
type Backend interface {
	// Submit executes and journals a transaction. A non-nil Result with a
	// non-nil error means the transaction committed and a later step, such
	// as journaling, failed.
	Submit(ctx context.Context, tx *runtime.Transaction) (*runtime.Result, error)

	Accounts() accounts.DB
	Journal() journal.Store
	CustodyProgram() types.Pubkey
}

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// MaxBatchSize bounds the number of requests in one batch.
	MaxBatchSize int

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 50 * 1024, // 50KB
		MaxBatchSize:   100,
		EnableCORS:     true,
		LogRequests:    false,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("rpc address is required")
	}
	if c.MaxRequestSize <= 0 {
		return errors.New("max request size must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("max batch size must be positive")
	}
	return nil
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config   Config
	backend  Backend
	handlers map[string]handlerFunc

	healthy atomic.Bool

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a server answering from backend.
func New(config Config, backend Backend) *Server {
	s := &Server{config: config, backend: backend}
	s.healthy.Store(true)
	s.handlers = map[string]handlerFunc{
		"sendTransaction":       s.sendTransaction,
		"getTransaction":        s.getTransaction,
		"getTransactionHistory": s.getTransactionHistory,

		"getAuthority":     s.getAuthority,
		"getPool":          s.getPool,
		"getLockedBalance": s.getLockedBalance,
		"auditPool":        s.auditPool,

		"getAccountInfo":      s.getAccountInfo,
		"getMultipleAccounts": s.getMultipleAccounts,
		"getProgramAccounts":  s.getProgramAccounts,

		"getSequence": s.getSequence,
		"getHealth":   s.getHealth,
		"getVersion":  s.getVersion,
	}
	return s
}

// Handler returns the HTTP handler serving JSON-RPC requests on every path.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(http.HandlerFunc(s.handleRPC))
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

// Serve serves requests on ln. It returns nil after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server already running")
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.server, s.running = srv, true
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Stop() })
	defer stop()

	log.Printf("[RPC] Server listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for in-flight
// requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetHealthy sets what getHealth reports.
func (s *Server) SetHealthy(healthy bool) { s.healthy.Store(healthy) }

func (s *Server) IsHealthy() bool { return s.healthy.Load() }

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers if enabled and answers preflights.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "3600")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			s.write(w, errorResponse(nil, ErrInvalidRequest))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		s.write(w, errorResponse(nil, ErrParseError))
		return
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		s.write(w, errorResponse(nil, NewRPCError(InvalidRequest,
			fmt.Sprintf("request exceeds %d bytes", s.config.MaxRequestSize))))
		return
	}

	body = bytes.TrimLeft(body, " \t\r\n")
	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.write(w, errorResponse(nil, ErrParseError))
		return
	}
	s.write(w, s.serve(r.Context(), req))
}

func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.write(w, errorResponse(nil, ErrParseError))
		return
	}
	if len(requests) == 0 || len(requests) > s.config.MaxBatchSize {
		s.write(w, errorResponse(nil, ErrInvalidRequest))
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		responses[i] = s.serve(ctx, req)
	}
	s.write(w, responses)
}

// serve answers one request.
func (s *Server) serve(ctx context.Context, req Request) Response {
	if req.JSONRPC != JSONRPCVersion {
		return errorResponse(req.ID, ErrInvalidRequest)
	}
	if s.config.LogRequests {
		log.Printf("[RPC] %s id=%v", req.Method, req.ID)
	}

	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}
	return handler(ctx, params)
}

func errorResponse(id interface{}, err *RPCError) Response {
	return Response{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

func (s *Server) write(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && s.config.LogRequests {
		log.Printf("[RPC] write response: %v", err)
	}
}
