package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"creditmarket/native/market"
	"creditmarket/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server exposes the market ledger over JSON-RPC.
type Server struct {
	engine  *market.Engine
	logger  *slog.Logger
	metrics *observability.MarketMetrics

	limitPerMinute float64
	limitBurst     int
	mu             sync.Mutex
	visitors       map[string]*rate.Limiter
}

// NewServer constructs an RPC server around the market engine.
func NewServer(engine *market.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:         engine,
		logger:         logger,
		metrics:        observability.Metrics(),
		limitPerMinute: 600,
		limitBurst:     30,
		visitors:       make(map[string]*rate.Limiter),
	}
}

// SetRateLimit overrides the per-source request budget.
func (s *Server) SetRateLimit(perMinute float64, burst int) {
	s.limitPerMinute = perMinute
	s.limitBurst = burst
}

// Router assembles the HTTP routes: the JSON-RPC endpoint, health and
// Prometheus metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rateLimit)
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Start serves the router until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.limitPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = strings.TrimSpace(req.RemoteAddr)
		}
		s.mu.Lock()
		limiter, ok := s.visitors[host]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(s.limitPerMinute/60), s.limitBurst)
			s.visitors[host] = limiter
		}
		s.mu.Unlock()
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	started := time.Now()
	outcome := s.dispatch(w, req)
	s.metrics.ObserveRequest(req.Method, outcome, time.Since(started).Seconds())
}

func (s *Server) dispatch(w http.ResponseWriter, req *RPCRequest) string {
	switch req.Method {
	case "market_deposit":
		return s.handleDeposit(w, req)
	case "market_depositUpTo":
		return s.handleDepositUpTo(w, req)
	case "market_withdrawRequest":
		return s.handleWithdrawRequest(w, req)
	case "market_executeWithdrawal":
		return s.handleExecuteWithdrawal(w, req)
	case "market_borrow":
		return s.handleBorrow(w, req)
	case "market_repay":
		return s.handleRepay(w, req)
	case "market_collectFees":
		return s.handleCollectFees(w, req)
	case "market_close":
		return s.handleClose(w, req)
	case "market_updateState":
		return s.handleUpdateState(w, req)
	case "market_getState":
		return s.handleGetState(w, req)
	case "market_getAccount":
		return s.handleGetAccount(w, req)
	case "market_getBatch":
		return s.handleGetBatch(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return "not_found"
	}
}
