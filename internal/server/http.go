package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"synthledger/internal/engine"
	"synthledger/internal/ledger"
	"synthledger/internal/observability"
	"synthledger/internal/oracle"
	"synthledger/internal/query"
)

// Server is the HTTP/JSON API over the engine and the query service.
type Server struct {
	eng     *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(eng *engine.Engine, queries *query.Service, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		eng:     eng,
		queries: queries,
		health:  health,
		log:     log,
		metrics: metrics,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/mint", s.handleMint)
		r.Post("/burn", s.handleBurn)
		r.Post("/deposit-and-mint", s.handleDepositAndMint)
		r.Post("/redeem-for-debt", s.handleRedeemForDebt)
		r.Post("/liquidate", s.handleLiquidate)

		r.Get("/constants", s.handleConstants)
		r.Get("/collateral", s.handleCollateral)
		r.Get("/accounts", s.handleAccounts)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/accounts/{id}/health", s.handleAccountHealth)
		r.Get("/operations", s.handleOperations)
	})

	return r
}

type collateralRequest struct {
	Account  string `json:"account"`
	Asset    string `json:"asset"`
	Quantity string `json:"quantity"`
}

type debtRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type combinedRequest struct {
	Account  string `json:"account"`
	Asset    string `json:"asset"`
	Quantity string `json:"quantity"`
	Amount   string `json:"amount"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

type opResponse struct {
	Sequence int64 `json:"sequence"`
}

type liquidateResponse struct {
	Sequence         int64  `json:"sequence"`
	CollateralSeized string `json:"collateral_seized"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, qty, ok := parseAccountAmount(w, req.Account, req.Quantity)
	if !ok {
		return
	}
	if err := s.eng.DepositCollateral(account, req.Asset, qty); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, opResponse{Sequence: s.eng.Sequence()})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, qty, ok := parseAccountAmount(w, req.Account, req.Quantity)
	if !ok {
		return
	}
	if err := s.eng.RedeemCollateral(account, req.Asset, qty); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, opResponse{Sequence: s.eng.Sequence()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, amount, ok := parseAccountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	if err := s.eng.MintDebt(account, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, opResponse{Sequence: s.eng.Sequence()})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, amount, ok := parseAccountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	if err := s.eng.BurnDebt(account, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, opResponse{Sequence: s.eng.Sequence()})
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req combinedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, qty, ok := parseAccountAmount(w, req.Account, req.Quantity)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := s.eng.DepositCollateralAndMintDebt(account, req.Asset, qty, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, opResponse{Sequence: s.eng.Sequence()})
}

func (s *Server) handleRedeemForDebt(w http.ResponseWriter, r *http.Request) {
	var req combinedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, qty, ok := parseAccountAmount(w, req.Account, req.Quantity)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := s.eng.RedeemCollateralForDebt(account, req.Asset, qty, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, opResponse{Sequence: s.eng.Sequence()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid liquidator id"})
		return
	}
	account, debtToCover, ok := parseAccountAmount(w, req.Account, req.DebtToCover)
	if !ok {
		return
	}
	seized, err := s.eng.Liquidate(liquidator, account, req.Asset, debtToCover)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, liquidateResponse{
		Sequence:         s.eng.Sequence(),
		CollateralSeized: seized.String(),
	})
}

func (s *Server) handleConstants(w http.ResponseWriter, r *http.Request) {
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, s.queries.Constants())
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, s.queries.Collateral())
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, s.queries.Accounts())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, s.queries.Account(account))
}

func (s *Server) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return
	}
	resp, err := s.queries.Health(account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	var account *uuid.UUID
	if raw := r.URL.Query().Get("account"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
			return
		}
		account = &id
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid before cursor"})
			return
		}
		before = &n
	}

	entries, err := s.queries.Operations(r.Context(), account, limit, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []query.OperationEntry{}
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, entries)
}

// writeError maps domain errors onto HTTP statuses: bad input is 400,
// solvency and bookkeeping refusals are 409, declined settlements are 422,
// and a frozen price feed is 503.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var breaks *engine.BreaksHealthFactorError
	switch {
	case errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, ledger.ErrUnsupportedAsset),
		errors.Is(err, ledger.ErrLengthMismatch):
		status = http.StatusBadRequest
	case errors.As(err, &breaks),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrDebtUnderflow),
		errors.Is(err, engine.ErrHealthFactorOk),
		errors.Is(err, engine.ErrHealthFactorNotImproved):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrTransferFailed),
		errors.Is(err, engine.ErrMintFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrStalePrice):
		status = http.StatusServiceUnavailable
	case errors.Is(err, query.ErrHistoryUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.observe(r, status)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) observe(r *http.Request, status int) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
}

// ListenAndServe runs the API server until the listener fails or ctx is
// cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func parseAccountAmount(w http.ResponseWriter, rawAccount, rawAmount string) (uuid.UUID, *big.Int, bool) {
	account, err := uuid.Parse(rawAccount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return uuid.UUID{}, nil, false
	}
	amount, ok := parseAmount(w, rawAmount)
	if !ok {
		return uuid.UUID{}, nil, false
	}
	return account, amount, true
}

func parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid amount"})
		return nil, false
	}
	return amount, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
