package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundme/internal/config"
	"fundme/internal/fundme"
	"fundme/internal/sigauth"
	"fundme/internal/store"
)

// DepositClaimer turns a deposit transaction into credit the caller can fund
// the ledger with, and returns credit that could not be used.
type DepositClaimer interface {
	Claim(ctx context.Context, caller common.Address, hash common.Hash) (*big.Int, error)
	Release(ctx context.Context, to common.Address, amount *big.Int) error
}

type Option func(*Server)

// WithDepositClaimer lets fund requests name a deposit transaction instead of
// an amount.
func WithDepositClaimer(c DepositClaimer) Option {
	return func(s *Server) {
		s.claimer = c
	}
}

type Server struct {
	cfg         *config.AppConfig
	ledger      *fundme.Ledger
	oracle      fundme.Oracle
	store       store.Store
	claimer     DepositClaimer
	verifier    *sigauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, ledger *fundme.Ledger, oracle fundme.Oracle, st store.Store, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:      cfg,
		ledger:   ledger,
		oracle:   oracle,
		store:    st,
		verifier: &sigauth.Verifier{MaxSkew: cfg.Service.SignatureClockSkew},
		metrics:  metrics,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if checker, ok := st.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := oracle.(interface{ Ping(context.Context) error }); ok {
		s.rpcHealthFn = checker.Ping
	}
	metrics.observeLedger(ledger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/fund", s.handleFund)
			r.Post("/withdraw", s.handleWithdraw(false))
			r.Post("/withdraw/cheaper", s.handleWithdraw(true))
		})
		r.Get("/owner", s.handleOwner)
		r.Get("/price-feed", s.handlePriceFeed)
		r.Get("/price", s.handlePrice)
		r.Get("/ledger", s.handleLedger)
		r.Get("/funders/{index}", s.handleFunder)
		r.Get("/funded/{address}", s.handleFunded)
		r.Method(http.MethodGet, "/metrics", metrics.handler())
		r.Get("/health", s.handleHealth)
	})

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type fundRequest struct {
	Amount    string `json:"amount"`
	AmountEth string `json:"amountEth"`
	TxHash    string `json:"txHash"`
}

type fundResponse struct {
	OperationID  string `json:"operationId"`
	Funder       string `json:"funder"`
	Amount       string `json:"amount"`
	AmountEth    string `json:"amountEth"`
	USDValue     string `json:"usdValue"`
	Total        string `json:"total"`
	RepeatFunder bool   `json:"repeatFunder"`
}

type withdrawResponse struct {
	OperationID    string `json:"operationId"`
	Method         string `json:"method"`
	Owner          string `json:"owner"`
	Amount         string `json:"amount"`
	AmountEth      string `json:"amountEth"`
	FundersCleared int    `json:"fundersCleared"`
	StorageReads   int    `json:"storageReads"`
	Pending        bool   `json:"pending,omitempty"`
}

type errorResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := sigauth.CallerFrom(ctx)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	key := strings.TrimSpace(r.Header.Get(sigauth.HeaderIdempotencyKey))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	var payload fundRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	var (
		amount  *big.Int
		deposit *common.Hash
	)
	if payload.TxHash != "" {
		hash, err := s.parseDeposit(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		deposit = &hash
	} else {
		v, err := parseFundAmount(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		amount = v
	}

	// keys are scoped to the signer so two funders cannot collide
	replayed := s.withReceipt(ctx, w, caller.Hex()+":"+key, func(ctx context.Context) (int, []byte) {
		return s.fund(ctx, caller, amount, deposit)
	})
	if replayed {
		s.metrics.incDeposit("cached")
	}
}

func (s *Server) fund(ctx context.Context, caller common.Address, amount *big.Int, deposit *common.Hash) (int, []byte) {
	if deposit != nil {
		claimed, err := s.claimer.Claim(ctx, caller, *deposit)
		if err != nil {
			s.logger.Warn("deposit rejected", zap.String("tx_hash", deposit.Hex()), zap.Error(err))
			s.metrics.incDeposit("DepositRejected")
			return marshal(http.StatusUnprocessableEntity, errorResponse{
				Code:   "DepositRejected",
				Reason: "deposit transaction not accepted",
				Error:  err.Error(),
			})
		}
		amount = claimed
	}

	result, err := s.ledger.Fund(ctx, caller, amount)
	if err != nil {
		if deposit != nil {
			if rerr := s.claimer.Release(context.WithoutCancel(ctx), caller, amount); rerr != nil {
				s.logger.Warn("release deposit",
					zap.String("tx_hash", deposit.Hex()),
					zap.String("funder", caller.Hex()),
					zap.Error(rerr))
			}
		}
		s.metrics.incDeposit(statusLabel(err))
		return s.errorBody(err)
	}

	s.metrics.incDeposit("accepted")
	s.metrics.observeLedger(s.ledger)
	return marshal(http.StatusCreated, fundResponse{
		OperationID:  uuid.NewString(),
		Funder:       result.Funder.Hex(),
		Amount:       result.Amount.String(),
		AmountEth:    formatUnits(result.Amount),
		USDValue:     formatUnits(result.USDValue),
		Total:        result.Total.String(),
		RepeatFunder: result.RepeatFunder,
	})
}

func (s *Server) parseDeposit(req fundRequest) (common.Hash, error) {
	if s.claimer == nil {
		return common.Hash{}, errors.New("deposits by transaction hash are not enabled")
	}
	if req.Amount != "" || req.AmountEth != "" {
		return common.Hash{}, errors.New("txHash carries the amount; drop amount and amountEth")
	}
	raw, err := hexutil.Decode(req.TxHash)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("txHash %q is not a transaction hash", req.TxHash)
	}
	return common.BytesToHash(raw), nil
}

func (s *Server) handleWithdraw(cheaper bool) http.HandlerFunc {
	method := "withdraw"
	if cheaper {
		method = "cheaperWithdraw"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, ok := sigauth.CallerFrom(ctx)
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		run := func(ctx context.Context) (int, []byte) {
			return s.withdraw(ctx, caller, method, cheaper)
		}

		key := strings.TrimSpace(r.Header.Get(sigauth.HeaderIdempotencyKey))
		if key == "" {
			status, body := run(ctx)
			writeRaw(w, status, body)
			return
		}
		if s.withReceipt(ctx, w, caller.Hex()+":"+method+":"+key, run) {
			s.metrics.incWithdrawal(method, "cached")
		}
	}
}

func (s *Server) withdraw(ctx context.Context, caller common.Address, method string, cheaper bool) (int, []byte) {
	var (
		result fundme.Withdrawal
		err    error
	)
	if cheaper {
		result, err = s.ledger.CheaperWithdraw(ctx, caller)
	} else {
		result, err = s.ledger.Withdraw(ctx, caller)
	}
	if err != nil && !result.Pending {
		s.metrics.incWithdrawal(method, statusLabel(err))
		return s.errorBody(err)
	}

	status, label := http.StatusOK, "completed"
	if result.Pending {
		status, label = http.StatusAccepted, "pending"
	}
	s.metrics.incWithdrawal(method, label)
	s.metrics.addStorageReads(method, result.StorageReads)
	s.metrics.observeLedger(s.ledger)

	return marshal(status, withdrawResponse{
		OperationID:    uuid.NewString(),
		Method:         method,
		Owner:          result.Owner.Hex(),
		Amount:         result.Amount.String(),
		AmountEth:      formatUnits(result.Amount),
		FundersCleared: result.FundersCleared,
		StorageReads:   result.StorageReads,
		Pending:        result.Pending,
	})
}

// withReceipt runs op once per key and stores its response. A repeated key gets
// the stored response, or 409 while the first request is still running. A
// failed request frees the key. It reports whether the request was answered
// from the store.
func (s *Server) withReceipt(ctx context.Context, w http.ResponseWriter, key string, op func(context.Context) (int, []byte)) bool {
	if s.replay(ctx, w, key) {
		return true
	}

	window := s.cfg.Service.IdempotencyWindow
	reserved, err := s.store.Reserve(ctx, key, store.PendingReceipt(time.Now(), window))
	if err != nil {
		s.logger.Error("reserve idempotency key", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "Internal", Reason: "internal error", Error: err.Error()})
		return false
	}
	if !reserved {
		if s.replay(ctx, w, key) {
			return true
		}
		writeJSON(w, http.StatusConflict, inProgress)
		return false
	}

	status, body := op(ctx)
	saveCtx := context.WithoutCancel(ctx)
	if status >= http.StatusBadRequest {
		if err := s.store.DeleteReceipt(saveCtx, key); err != nil {
			s.logger.Warn("release idempotency key", zap.String("key", key), zap.Error(err))
		}
	} else {
		now := time.Now()
		receipt := store.Receipt{
			StatusCode: status,
			Response:   body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(window),
		}
		if err := s.store.SaveReceipt(saveCtx, key, receipt); err != nil {
			s.logger.Warn("save receipt", zap.String("key", key), zap.Error(err))
		}
	}
	writeRaw(w, status, body)
	return false
}

var inProgress = errorResponse{
	Code:   "RequestInProgress",
	Reason: "a request with this idempotency key is still running",
}

func (s *Server) replay(ctx context.Context, w http.ResponseWriter, key string) bool {
	existing, err := s.store.GetReceipt(ctx, key)
	if err != nil {
		s.logger.Warn("load receipt", zap.String("key", key), zap.Error(err))
		return false
	}
	if existing == nil {
		return false
	}
	if existing.Pending() {
		writeJSON(w, http.StatusConflict, inProgress)
		return true
	}
	writeRaw(w, existing.StatusCode, existing.Response)
	return true
}

func (s *Server) handleOwner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"owner": s.ledger.Owner().Hex()})
}

func (s *Server) handlePriceFeed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"priceFeed": s.ledger.PriceFeed().Hex()})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.oracle.GetPrice(r.Context())
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", fundme.ErrOracleUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"priceFeed": s.oracle.Address().Hex(),
		"price":     price.String(),
		"usd":       formatUnits(price),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	snap := s.ledger.Snapshot()
	balance := snap.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	writeJSON(w, http.StatusOK, struct {
		fundme.Snapshot
		BalanceEth string `json:"balanceEth"`
		MinimumUSD string `json:"minimumUsd"`
	}{
		Snapshot:   snap,
		BalanceEth: formatUnits(balance),
		MinimumUSD: formatUnits(s.ledger.MinimumUSD()),
	})
}

func (s *Server) handleFunder(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	funder, err := s.ledger.Funder(index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "funder": funder.Hex()})
}

func (s *Server) handleFunded(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(raw)
	amount := s.ledger.AmountFunded(addr)
	writeJSON(w, http.StatusOK, map[string]string{
		"address":   addr.Hex(),
		"amount":    amount.String(),
		"amountEth": formatUnits(amount),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string `json:"status"`
		Network  string `json:"network"`
		Oracle   any    `json:"oracle"`
		Database any    `json:"database"`
		Funders  int    `json:"funders"`
	}{
		Status:   status,
		Network:  s.cfg.Deployment.Network,
		Oracle:   rpcInfo,
		Database: dbInfo,
		Funders:  s.ledger.FunderCount(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := s.errorBody(err)
	writeRaw(w, status, body)
}

func (s *Server) errorBody(err error) (int, []byte) {
	var ledgerErr *fundme.Error
	if !errors.As(err, &ledgerErr) {
		s.logger.Error("unexpected ledger error", zap.Error(err))
		return marshal(http.StatusInternalServerError, errorResponse{Code: "Internal", Reason: "internal error", Error: err.Error()})
	}
	return marshal(statusFor(ledgerErr), errorResponse{
		Code:   ledgerErr.Code,
		Reason: ledgerErr.Reason,
		Error:  err.Error(),
	})
}

func statusFor(err *fundme.Error) int {
	switch err {
	case fundme.ErrInsufficientFunding:
		return http.StatusUnprocessableEntity
	case fundme.ErrNotOwner:
		return http.StatusForbidden
	case fundme.ErrOracleUnavailable:
		return http.StatusServiceUnavailable
	case fundme.ErrTransferFailed:
		return http.StatusBadGateway
	case fundme.ErrTransferPending:
		return http.StatusAccepted
	case fundme.ErrPaymentFailed:
		return http.StatusPaymentRequired
	case fundme.ErrIndexOutOfRange:
		return http.StatusNotFound
	case fundme.ErrInvalidAmount:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func statusLabel(err error) string {
	if code := fundme.Code(err); code != "" {
		return code
	}
	return "error"
}

// parseFundAmount accepts either an integer wei amount or a decimal ether amount.
func parseFundAmount(req fundRequest) (*big.Int, error) {
	switch {
	case req.Amount != "" && req.AmountEth != "":
		return nil, errors.New("only one of amount and amountEth may be set")
	case req.Amount != "":
		v, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("amount %q is not an integer wei value", req.Amount)
		}
		return v, nil
	case req.AmountEth != "":
		d, err := decimal.NewFromString(req.AmountEth)
		if err != nil {
			return nil, fmt.Errorf("amountEth: %w", err)
		}
		wei := d.Shift(18)
		if !wei.IsInteger() {
			return nil, errors.New("amountEth has more than 18 decimals")
		}
		return wei.BigInt(), nil
	}
	return nil, errors.New("amount is required")
}

// formatUnits renders an 18-decimal integer as a decimal string.
func formatUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	status, body := marshal(status, v)
	writeRaw(w, status, body)
}

func marshal(status int, v any) (int, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"code":"Internal","reason":"encode response"}`)
	}
	return status, body
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
