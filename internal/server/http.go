// Package server exposes the HTTP/JSON API: operation injection under
// /v1/ops, read queries under /v1/accounts, /v1/pools and /v1/markets,
// admin and health endpoints. Operations are accepted asynchronously;
// the core applies them in sequence order and results land in the
// event log and outbound stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/market"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/query"
)

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Query   *query.Service
	Ops     *ingestion.OpsService
	Health  *observability.HealthChecker
	Rebuild func(context.Context) error
	Log     zerolog.Logger
}

// Server wraps the chi router and its http.Server.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

func New(addr string, deps *Deps) *Server {
	s := &Server{log: deps.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", deps.Health.LivenessHandler)
	r.Get("/readyz", deps.Health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Post("/deposit", s.handleDeposit(deps))
			r.Post("/withdraw", s.handleWithdraw(deps))
			r.Post("/open", s.handleOpen(deps))
			r.Post("/close", s.handleClose(deps))
			r.Post("/liquidate", s.handleLiquidate(deps))
			r.Post("/adl", s.handleAdl(deps))
			r.Post("/reallocate", s.handleReallocate(deps))
			r.Post("/poke", s.handlePoke(deps))
			r.Post("/liquidity/add", s.handleAddLiquidity(deps))
			r.Post("/liquidity/remove", s.handleRemoveLiquidity(deps))
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/active", s.handleActiveAccounts(deps))
			r.Get("/{accountID}/collaterals", s.handleCollaterals(deps))
			r.Get("/{accountID}/positions", s.handlePositions(deps))
			r.Get("/{accountID}/margin", s.handleMargin(deps))
			r.Get("/{accountID}/adl/{marketID}", s.handleAdlEligibility(deps))
			r.Get("/{accountID}/journal", s.handleJournal(deps))
		})

		r.Route("/pools", func(r chi.Router) {
			r.Get("/{poolID}/aum", s.handlePoolAum(deps))
			r.Get("/{poolID}/history", s.handlePoolHistory(deps))
			r.Get("/{poolID}/markets/{marketID}", s.handleMarketState(deps))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/markets", s.handleUpsertMarket(deps))
			r.Post("/pools", s.handleUpsertPool(deps))
			r.Get("/integrity", s.handleIntegrity(deps))
			r.Get("/watermark", s.handleWatermark(deps))
			r.Post("/projections/rebuild", s.handleRebuild(deps))
		})
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// --- op handlers ---

type depositRequest struct {
	AccountID string          `json:"account_id"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
}

func (s *Server) handleDeposit(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req depositRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.Deposit(r.Context(), req.AccountID, req.Token, req.Amount)
		writeAccepted(w, id, err)
	}
}

type withdrawRequest struct {
	AccountID string          `json:"account_id"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	SwapTo    string          `json:"swap_to,omitempty"`
}

func (s *Server) handleWithdraw(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req withdrawRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.Withdraw(r.Context(), req.AccountID, req.Token, req.SwapTo, req.Amount)
		writeAccepted(w, id, err)
	}
}

type openRequest struct {
	AccountID string          `json:"account_id"`
	Market    string          `json:"market"`
	Size      decimal.Decimal `json:"size"`
}

func (s *Server) handleOpen(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.OpenPosition(r.Context(), req.AccountID, req.Market, req.Size)
		writeAccepted(w, id, err)
	}
}

type closeRequest struct {
	AccountID          string          `json:"account_id"`
	Market             string          `json:"market"`
	Size               decimal.Decimal `json:"size"`
	WithdrawProfit     bool            `json:"withdraw_profit,omitempty"`
	WithdrawAllIfEmpty bool            `json:"withdraw_all_if_empty,omitempty"`
	SwapTo             string          `json:"swap_to,omitempty"`
}

func (s *Server) handleClose(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req closeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.ClosePosition(r.Context(), req.AccountID, req.Market, req.Size,
			req.WithdrawProfit, req.WithdrawAllIfEmpty, req.SwapTo)
		writeAccepted(w, id, err)
	}
}

type liquidateRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleLiquidate(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req liquidateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.Liquidate(r.Context(), req.AccountID)
		writeAccepted(w, id, err)
	}
}

type adlRequest struct {
	AccountID string `json:"account_id"`
	Market    string `json:"market"`
}

func (s *Server) handleAdl(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adlRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.AdlFill(r.Context(), req.AccountID, req.Market)
		writeAccepted(w, id, err)
	}
}

type reallocateRequest struct {
	AccountID string          `json:"account_id"`
	Market    string          `json:"market"`
	FromPool  string          `json:"from_pool"`
	ToPool    string          `json:"to_pool"`
	Size      decimal.Decimal `json:"size"`
}

func (s *Server) handleReallocate(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reallocateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.Reallocate(r.Context(), req.AccountID, req.Market, req.FromPool, req.ToPool, req.Size)
		writeAccepted(w, id, err)
	}
}

type pokeRequest struct {
	Market string `json:"market"`
}

func (s *Server) handlePoke(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pokeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.Poke(r.Context(), req.Market)
		writeAccepted(w, id, err)
	}
}

type liquidityAddRequest struct {
	PoolID    string          `json:"pool_id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (s *Server) handleAddLiquidity(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req liquidityAddRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.AddLiquidity(r.Context(), req.PoolID, req.AccountID, req.Amount)
		writeAccepted(w, id, err)
	}
}

type liquidityRemoveRequest struct {
	PoolID    string          `json:"pool_id"`
	AccountID string          `json:"account_id"`
	Shares    decimal.Decimal `json:"shares"`
}

func (s *Server) handleRemoveLiquidity(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req liquidityRemoveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.RemoveLiquidity(r.Context(), req.PoolID, req.AccountID, req.Shares)
		writeAccepted(w, id, err)
	}
}

// --- query handlers ---

func (s *Server) handleActiveAccounts(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 100)
		resp, err := deps.Query.ListActivePositionIDs(offset, limit)
		writeResult(w, resp, err)
	}
}

func (s *Server) handleCollaterals(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.ListAccountCollaterals(chi.URLParam(r, "accountID"))
		writeResult(w, resp, err)
	}
}

func (s *Server) handlePositions(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.ListAccountPositions(chi.URLParam(r, "accountID"))
		writeResult(w, resp, err)
	}
}

func (s *Server) handleMargin(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.Margin(chi.URLParam(r, "accountID"))
		writeResult(w, resp, err)
	}
}

func (s *Server) handleAdlEligibility(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.AdlEligibility(chi.URLParam(r, "accountID"), chi.URLParam(r, "marketID"))
		writeResult(w, resp, err)
	}
}

func (s *Server) handleJournal(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		var after *int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, "invalid after cursor", http.StatusBadRequest)
				return
			}
			after = &n
		}
		resp, err := deps.Query.AccountJournal(r.Context(), chi.URLParam(r, "accountID"), limit, after)
		writeResult(w, resp, err)
	}
}

func (s *Server) handlePoolAum(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.PoolAum(chi.URLParam(r, "poolID"))
		writeResult(w, resp, err)
	}
}

func (s *Server) handlePoolHistory(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		resp, err := deps.Query.PoolBalanceHistory(r.Context(), chi.URLParam(r, "poolID"), limit)
		writeResult(w, resp, err)
	}
}

func (s *Server) handleMarketState(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.MarketState(chi.URLParam(r, "poolID"), chi.URLParam(r, "marketID"))
		writeResult(w, resp, err)
	}
}

// --- admin handlers ---

type upsertMarketRequest struct {
	Market       string        `json:"market"`
	IsLong       bool          `json:"is_long"`
	BackingPools []string      `json:"backing_pools"`
	Config       market.Config `json:"config"`
}

func (s *Server) handleUpsertMarket(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req upsertMarketRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.UpsertMarket(r.Context(), req.Market, req.IsLong, req.BackingPools, req.Config)
		writeAccepted(w, id, err)
	}
}

type upsertPoolRequest struct {
	PoolID       string      `json:"pool_id"`
	DepositToken string      `json:"deposit_token"`
	Config       pool.Config `json:"config"`
}

func (s *Server) handleUpsertPool(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req upsertPoolRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Ops.UpsertPool(r.Context(), req.PoolID, req.DepositToken, req.Config)
		writeAccepted(w, id, err)
	}
}

func (s *Server) handleIntegrity(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Query.VerifyIntegrity(r.Context())
		writeResult(w, resp, err)
	}
}

func (s *Server) handleWatermark(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := deps.Query.ProjectionWatermark(r.Context())
		writeResult(w, map[string]int64{"last_sequence": seq}, err)
	}
}

func (s *Server) handleRebuild(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Rebuild == nil {
			writeError(w, "rebuild not available", http.StatusServiceUnavailable)
			return
		}
		if err := deps.Rebuild(r.Context()); err != nil {
			deps.Log.Error().Err(err).Msg("projection rebuild failed")
			writeError(w, "rebuild failed", http.StatusInternalServerError)
			return
		}
		writeResult(w, map[string]string{"status": "rebuilt"}, nil)
	}
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeAccepted(w http.ResponseWriter, id uuid.UUID, err error) {
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id.String(), "status": "accepted"})
}

func writeResult(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
