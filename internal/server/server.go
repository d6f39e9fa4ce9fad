// Package server exposes the swap engine to operators over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tzswap/internal/config"
	"tzswap/internal/contract"
	"tzswap/internal/hmacauth"
	"tzswap/internal/indexer"
	"tzswap/internal/journal"
	"tzswap/internal/metrics"
)

// defaultActionTimeout bounds one redeem or refund submission, confirmation
// polling included.
const defaultActionTimeout = 15 * time.Minute

// Engine is what the handlers need from swap.Engine.
type Engine interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token contract.Ref, address string) (*big.Int, error)
	GetSwap(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (*contract.Swap, error)
	GetAllSwaps(ctx context.Context, swap contract.Ref) ([]contract.Swap, error)
	GetUserSwaps(ctx context.Context, swap contract.Ref, account string) ([]contract.Swap, error)
	GetWaitingSwaps(ctx context.Context, swap contract.Ref, minTimeToExpire time.Duration) ([]contract.Swap, error)
	FindRedeemedSecret(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (hexutil.Bytes, error)
	GetFees(ctx context.Context) (map[string]contract.FeeSchedule, error)
	GetReward(ctx context.Context, swap contract.Ref) (contract.Reward, error)
	GetPrice(ctx context.Context, asset string) (*big.Int, error)
	Redeem(ctx context.Context, swap contract.Ref, hashedSecret common.Hash, secret []byte) (*indexer.OperationStatus, error)
	Refund(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (*indexer.OperationStatus, error)
}

// Pinger is implemented by the chain client, the indexer client and the
// Postgres journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Server serves from.
type Deps struct {
	Engine  Engine
	Journal journal.Store
	Node    Pinger
	Indexer Pinger
	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

type Server struct {
	swap       contract.Ref
	token      contract.Ref
	engine     Engine
	journal    journal.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metrics.Registry
	log        zerolog.Logger
	inflight   singleflight.Group
	checks     []healthCheck

	actionTimeout time.Duration
}

type healthCheck struct {
	name string
	ping func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.New()
	}

	s := &Server{
		swap:    cfg.Network.Contracts.Swap,
		token:   cfg.Network.Contracts.Token,
		engine:  deps.Engine,
		journal: deps.Journal,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  deps.Logger,
		},
		metrics: reg,
		log:     deps.Logger,

		actionTimeout: cfg.Service.ActionTimeout,
	}
	if s.actionTimeout <= 0 {
		s.actionTimeout = defaultActionTimeout
	}

	if deps.Node != nil {
		s.checks = append(s.checks, healthCheck{"node", deps.Node.Ping})
	}
	if deps.Indexer != nil {
		s.checks = append(s.checks, healthCheck{"indexer", deps.Indexer.Ping})
	}
	if checker, ok := deps.Journal.(Pinger); ok {
		s.checks = append(s.checks, healthCheck{"journal", checker.Ping})
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the routed API with request id and access logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/swaps", s.handleListSwaps)
	mux.HandleFunc("GET /api/v1/swaps/waiting", s.handleWaitingSwaps)
	mux.HandleFunc("GET /api/v1/swaps/{hashedSecret}", s.handleGetSwap)
	mux.HandleFunc("GET /api/v1/swaps/{hashedSecret}/secret", s.handleGetSecret)
	mux.Handle("POST /api/v1/swaps/{hashedSecret}/redeem", s.hmac.Middleware(http.HandlerFunc(s.handleRedeem)))
	mux.Handle("POST /api/v1/swaps/{hashedSecret}/refund", s.hmac.Middleware(http.HandlerFunc(s.handleRefund)))
	mux.HandleFunc("GET /api/v1/fees", s.handleFees)
	mux.HandleFunc("GET /api/v1/reward", s.handleReward)
	mux.HandleFunc("GET /api/v1/prices/{asset}", s.handlePrice)
	mux.HandleFunc("GET /api/v1/balances/{address}", s.handleBalance)
	mux.HandleFunc("GET /api/v1/submissions/{groupID}", s.handleSubmission)
	mux.Handle("GET /api/v1/metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return requestIDMiddleware(s.accessLog(mux))
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type checkInfo struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	checks := make(map[string]checkInfo, len(s.checks))
	for _, c := range s.checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.ping(checkCtx)
		cancel()

		info := checkInfo{Connected: err == nil}
		if err != nil {
			info.Error = err.Error()
			overallHealthy = false
		} else {
			info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		checks[c.name] = info
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status string               `json:"status"`
		Checks map[string]checkInfo `json:"checks"`
	}{
		Status: status,
		Checks: checks,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", r.Header.Get("X-Request-Id")).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
