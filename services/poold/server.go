package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"lendpool/core/state"
	"lendpool/core/types"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/factory"
	"lendpool/native/pool"
	"lendpool/native/priceoracle"
	"lendpool/native/repayments"
	"lendpool/native/savings"
	"lendpool/native/yield"
	"lendpool/observability"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the pool engine over HTTP. Mutating operations serialize on
// a single mutex; the engines themselves are single-writer.
type Server struct {
	log       *slog.Logger
	authToken string
	metrics   *observability.PoolMetrics
	limiter   *clientLimiter

	mu       sync.Mutex
	store    *state.Store
	engine   *pool.Engine
	factory  *factory.Factory
	repay    *repayments.Engine
	savings  *savings.Ledger
	oracle   *priceoracle.FeedOracle
	verifier *factory.Registry
	venue    *yield.VenueYield
	feeds    map[string]*priceoracle.StaticFeed
	now      func() time.Time
}

func newServer(cfg *serviceConfig, log *slog.Logger, store *state.Store, engine *pool.Engine, fac *factory.Factory, repay *repayments.Engine, ledger *savings.Ledger, oracle *priceoracle.FeedOracle, verifier *factory.Registry) *Server {
	return &Server{
		log:       log,
		authToken: cfg.AuthToken,
		metrics:   observability.Pool(),
		limiter:   newClientLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		store:     store,
		engine:    engine,
		factory:   fac,
		repay:     repay,
		savings:   ledger,
		oracle:    oracle,
		verifier:  verifier,
		feeds:     make(map[string]*priceoracle.StaticFeed),
		now:       time.Now,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.rateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/pools", s.handleListPools)
		r.Post("/pools", s.handleCreatePool)
		r.Route("/pools/{poolID}", func(r chi.Router) {
			r.Get("/", s.handleGetPool)
			r.Get("/ratio", s.handleCollateralRatio)
			r.Get("/schedule", s.handleSchedule)
			r.Post("/lend", s.handleLend)
			r.Post("/collateral", s.handleDepositCollateral)
			r.Post("/borrow", s.handleWithdrawBorrowed)
			r.Post("/cancel", s.handleCancelPool)
			r.Post("/margin-call", s.handleMarginCall)
			r.Post("/liquidate", s.handleLiquidate)
			r.Post("/repay", s.handleRepayAmount)
			r.Post("/repay-principal", s.handleRepayPrincipal)
			r.Post("/withdraw", s.handleWithdrawLiquidity)
			r.Post("/terminate", s.handleTerminatePool)
		})
		r.Get("/accounts/{address}", s.handleGetAccount)
		r.Post("/savings/deposit", s.handleSavingsDeposit)
		r.Post("/savings/approve", s.handleSavingsApprove)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/feeds", s.handlePostFeed)
		r.Post("/venue-rate", s.handleVenueRate)
		r.Post("/pause", s.handlePause)
		r.Post("/verify", s.handleVerify)
		r.Post("/accounts/credit", s.handleCreditAccount)
	})

	return r
}

// --- middleware ---

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientID(r)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) != s.authToken {
			writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- read handlers ---

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListPools()
	if err != nil {
		s.fail(w, "list_pools", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": ids})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	p, err := s.engine.GetPool(poolID)
	if err != nil {
		s.fail(w, "get_pool", err)
		return
	}
	supply, err := s.engine.TokenSupply(poolID)
	if err != nil {
		s.fail(w, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse(p, supply))
}

func (s *Server) handleCollateralRatio(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	ratio, err := s.engine.CurrentCollateralRatio(chi.URLParam(r, "poolID"))
	if err != nil {
		s.fail(w, "collateral_ratio", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ratio": ratio.String()})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	poolID := chi.URLParam(r, "poolID")
	schedule, err := s.repay.ScheduleView(poolID)
	if err != nil {
		s.fail(w, "schedule", err)
		return
	}
	principal, interest, err := s.repay.Outstanding(poolID)
	if err != nil {
		s.fail(w, "schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":           principal.String(),
		"interestAccrued":     interest.String(),
		"loanStartTime":       schedule.LoanStartTime,
		"repaymentInterval":   schedule.RepaymentInterval,
		"numberOfInstalments": schedule.NumberOfInstalments,
		"loanDurationCovered": schedule.LoanDurationCovered,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := s.store.GetAccount(addr)
	if err != nil {
		s.fail(w, "get_account", err)
		return
	}
	balances := map[string]string{}
	if account != nil {
		for asset, balance := range account.Balances {
			balances[asset] = balance.String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.String(), "balances": balances})
}

// --- mutating handlers ---

type createPoolRequest struct {
	Borrower             string `json:"borrower"`
	BorrowAsset          string `json:"borrowAsset"`
	CollateralAsset      string `json:"collateralAsset"`
	PoolSizeLimit        string `json:"poolSizeLimit"`
	MinBorrowAmount      string `json:"minBorrowAmount"`
	BorrowRate           string `json:"borrowRate"`
	IdealCollateralRatio string `json:"idealCollateralRatio"`
	CollectionPeriod     int64  `json:"collectionPeriod"`
	RepaymentInterval    int64  `json:"repaymentInterval"`
	NumberOfInstalments  int64  `json:"numberOfInstalments"`
	StrategyID           string `json:"strategyId"`
	CollateralAmount     string `json:"collateralAmount"`
	FromSavings          bool   `json:"fromSavings"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := crypto.DecodeAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("borrower: %w", err))
		return
	}
	params := factory.CreatePoolParams{
		BorrowAsset:         req.BorrowAsset,
		CollateralAsset:     req.CollateralAsset,
		CollectionPeriod:    req.CollectionPeriod,
		RepaymentInterval:   req.RepaymentInterval,
		NumberOfInstalments: req.NumberOfInstalments,
		StrategyID:          req.StrategyID,
		FromSavings:         req.FromSavings,
	}
	if params.PoolSizeLimit, err = parseAmount(req.PoolSizeLimit); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("poolSizeLimit: %w", err))
		return
	}
	if params.MinBorrowAmount, err = parseAmount(req.MinBorrowAmount); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("minBorrowAmount: %w", err))
		return
	}
	if params.BorrowRate, err = parseAmount(req.BorrowRate); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("borrowRate: %w", err))
		return
	}
	if params.IdealCollateralRatio, err = parseAmount(req.IdealCollateralRatio); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("idealCollateralRatio: %w", err))
		return
	}
	if strings.TrimSpace(req.CollateralAmount) != "" {
		if params.CollateralAmount, err = parseAmount(req.CollateralAmount); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("collateralAmount: %w", err))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	started := time.Now()
	p, err := s.factory.CreatePool(borrower, params)
	if err != nil {
		s.metrics.RecordError("create_pool", errorReason(err))
		s.fail(w, "create_pool", err)
		return
	}
	s.metrics.ObserveOperation("create_pool", "ok", time.Since(started))
	writeJSON(w, http.StatusCreated, map[string]string{"poolId": p.ID, "poolAddress": p.Address.String()})
}

type amountRequest struct {
	Actor       string `json:"actor"`
	OnBehalfOf  string `json:"onBehalfOf"`
	Amount      string `json:"amount"`
	FromSavings bool   `json:"fromSavings"`
}

func (s *Server) handleLend(w http.ResponseWriter, r *http.Request) {
	s.amountOperation(w, r, "lend", func(poolID string, actor crypto.Address, req amountRequest, amount *big.Int) (map[string]string, error) {
		var onBehalfOf crypto.Address
		if strings.TrimSpace(req.OnBehalfOf) != "" {
			decoded, err := crypto.DecodeAddress(req.OnBehalfOf)
			if err != nil {
				return nil, fmt.Errorf("onBehalfOf: %w", err)
			}
			onBehalfOf = decoded
		}
		credited, err := s.engine.Lend(actor, onBehalfOf, poolID, amount, req.FromSavings)
		if err != nil {
			return nil, err
		}
		// Savings-routed lending floors through share conversions, so the
		// credited amount can undershoot the request.
		return map[string]string{"credited": credited.String()}, nil
	})
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountOperation(w, r, "deposit_collateral", func(poolID string, actor crypto.Address, req amountRequest, amount *big.Int) (map[string]string, error) {
		return nil, s.engine.DepositCollateral(actor, poolID, amount, req.FromSavings)
	})
}

func (s *Server) handleRepayAmount(w http.ResponseWriter, r *http.Request) {
	s.amountOperation(w, r, "repay", func(poolID string, actor crypto.Address, _ amountRequest, amount *big.Int) (map[string]string, error) {
		return nil, s.engine.RepayAmount(actor, poolID, amount)
	})
}

func (s *Server) handleRepayPrincipal(w http.ResponseWriter, r *http.Request) {
	s.amountOperation(w, r, "repay_principal", func(poolID string, actor crypto.Address, _ amountRequest, amount *big.Int) (map[string]string, error) {
		return nil, s.engine.RepayPrincipal(actor, poolID, amount)
	})
}

func (s *Server) handleWithdrawBorrowed(w http.ResponseWriter, r *http.Request) {
	s.actorOperation(w, r, "withdraw_borrowed", func(poolID string, actor crypto.Address) error {
		return s.engine.WithdrawBorrowedAmount(actor, poolID)
	})
}

func (s *Server) handleCancelPool(w http.ResponseWriter, r *http.Request) {
	s.actorOperation(w, r, "cancel_pool", func(poolID string, actor crypto.Address) error {
		return s.engine.CancelPool(actor, poolID)
	})
}

func (s *Server) handleMarginCall(w http.ResponseWriter, r *http.Request) {
	s.actorOperation(w, r, "margin_call", func(poolID string, actor crypto.Address) error {
		return s.engine.RequestMarginCall(actor, poolID)
	})
}

func (s *Server) handleTerminatePool(w http.ResponseWriter, r *http.Request) {
	s.actorOperation(w, r, "terminate_pool", func(poolID string, actor crypto.Address) error {
		return s.engine.TerminatePool(actor, poolID)
	})
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := crypto.DecodeAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("actor: %w", err))
		return
	}
	poolID := chi.URLParam(r, "poolID")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	started := time.Now()
	payout, err := s.engine.WithdrawLiquidity(actor, poolID)
	if err != nil {
		s.metrics.RecordError("withdraw_liquidity", errorReason(err))
		s.fail(w, "withdraw_liquidity", err)
		return
	}
	s.metrics.ObserveOperation("withdraw_liquidity", "ok", time.Since(started))
	writeJSON(w, http.StatusOK, map[string]string{"payout": payout.String()})
}

type liquidateRequest struct {
	Actor         string `json:"actor"`
	FromSavings   bool   `json:"fromSavings"`
	ReceiveShares bool   `json:"receiveShares"`
	RepayFullDebt bool   `json:"repayFullDebt"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := crypto.DecodeAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("actor: %w", err))
		return
	}
	poolID := chi.URLParam(r, "poolID")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	started := time.Now()
	receipt, err := s.engine.LiquidatePool(actor, poolID, req.FromSavings, req.ReceiveShares, req.RepayFullDebt)
	if err != nil {
		s.metrics.RecordError("liquidate", errorReason(err))
		s.fail(w, "liquidate", err)
		return
	}
	s.metrics.ObserveOperation("liquidate", "ok", time.Since(started))
	writeJSON(w, http.StatusOK, map[string]any{
		"amountPaid":       receipt.AmountPaid.String(),
		"collateralSeized": receipt.CollateralSeized.String(),
		"sharesSeized":     receipt.SharesSeized.String(),
		"defaulted":        receipt.Defaulted,
	})
}

type savingsRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (s *Server) handleSavingsDeposit(w http.ResponseWriter, r *http.Request) {
	var req savingsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := crypto.DecodeAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shares, err := s.savings.DepositTo(owner, strings.ToUpper(req.Asset), amount)
	if err != nil {
		s.fail(w, "savings_deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) handleSavingsApprove(w http.ResponseWriter, r *http.Request) {
	var req savingsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := crypto.DecodeAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}
	spender, err := crypto.DecodeAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("spender: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.savings.Approve(owner, spender, strings.ToUpper(req.Asset), amount); err != nil {
		s.fail(w, "savings_approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// --- admin handlers ---

type feedRequest struct {
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Answer   string `json:"answer"`
	Decimals uint8  `json:"decimals"`
}

func (s *Server) handlePostFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	answer, err := parseAmount(req.Answer)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("answer: %w", err))
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Base))
	if asset == "" {
		writeError(w, http.StatusBadRequest, errors.New("base asset required"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	round := priceoracle.RoundData{Answer: answer, Decimals: req.Decimals, UpdatedAt: now}
	feed, ok := s.feeds[asset]
	if !ok {
		feed = priceoracle.NewStaticFeed(round)
		s.feeds[asset] = feed
		s.oracle.RegisterFeed(asset, feed)
	} else {
		feed.SetRound(round)
	}
	s.log.Info("price feed updated", "asset", asset, "updatedAt", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type venueRateRequest struct {
	Asset string `json:"asset"`
	// Rate is tokens per share, scaled 1e18.
	Rate string `json:"rate"`
}

func (s *Server) handleVenueRate(w http.ResponseWriter, r *http.Request) {
	var req venueRateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.venue == nil {
		writeError(w, http.StatusConflict, errors.New("venue strategy not configured"))
		return
	}
	rate, err := parseAmount(req.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("rate: %w", err))
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		writeError(w, http.StatusBadRequest, errors.New("asset required"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venue.SetExchangeRate(asset, rate)
	s.log.Info("venue exchange rate updated", "asset", asset, "rate", rate.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetPaused(strings.TrimSpace(req.Module), req.Paused); err != nil {
		s.fail(w, "pause", err)
		return
	}
	s.log.Warn("module pause switched", "module", req.Module, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyRequest struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	if req.Verified {
		s.verifier.Register(addr)
	} else {
		s.verifier.Remove(addr)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type creditRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (s *Server) handleCreditAccount(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account, err := s.store.GetAccount(addr)
	if err != nil {
		s.fail(w, "credit_account", err)
		return
	}
	if account == nil {
		account = types.NewAccount()
	}
	account.Credit(strings.ToUpper(req.Asset), amount)
	if err := s.store.PutAccount(addr, account); err != nil {
		s.fail(w, "credit_account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

// --- shared helpers ---

func (s *Server) amountOperation(w http.ResponseWriter, r *http.Request, operation string, apply func(poolID string, actor crypto.Address, req amountRequest, amount *big.Int) (map[string]string, error)) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := crypto.DecodeAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("actor: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	poolID := chi.URLParam(r, "poolID")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	started := time.Now()
	extra, err := apply(poolID, actor, req, amount)
	if err != nil {
		s.metrics.RecordError(operation, errorReason(err))
		s.fail(w, operation, err)
		return
	}
	s.metrics.ObserveOperation(operation, "ok", time.Since(started))
	resp := map[string]string{"status": "ok"}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) actorOperation(w http.ResponseWriter, r *http.Request, operation string, apply func(poolID string, actor crypto.Address) error) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := crypto.DecodeAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("actor: %w", err))
		return
	}
	poolID := chi.URLParam(r, "poolID")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setClocks()
	started := time.Now()
	if err := apply(poolID, actor); err != nil {
		s.metrics.RecordError(operation, errorReason(err))
		s.fail(w, operation, err)
		return
	}
	s.metrics.ObserveOperation(operation, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// setClocks pushes wall time into the engines. Caller holds the mutex.
func (s *Server) setClocks() {
	now := s.now().Unix()
	s.engine.SetTimestamp(now)
	s.factory.SetTimestamp(now)
	s.oracle.SetTimestamp(now)
}

func (s *Server) fail(w http.ResponseWriter, operation string, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("operation failed", "operation", operation, "error", err)
	} else {
		s.log.Info("operation rejected", "operation", operation, "error", err)
	}
	writeError(w, status, err)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrUnknownPool) || errors.Is(err, repayments.ErrNoSchedule):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrInvalidAmount) ||
		errors.Is(err, repayments.ErrInvalidAmount) ||
		errors.Is(err, savings.ErrInvalidAmount) ||
		errors.Is(err, factory.ErrOutOfBounds) ||
		errors.Is(err, factory.ErrAssetNotSupported) ||
		errors.Is(err, factory.ErrSameAsset) ||
		errors.Is(err, yield.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrNotBorrower) ||
		errors.Is(err, pool.ErrNotOwner) ||
		errors.Is(err, pool.ErrNotLender) ||
		errors.Is(err, factory.ErrBorrowerNotVerified):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrInsufficientBalance) ||
		errors.Is(err, savings.ErrInsufficientBalance) ||
		errors.Is(err, savings.ErrInsufficientAllowance) ||
		errors.Is(err, repayments.ErrExcessRepayment) ||
		errors.Is(err, repayments.ErrUnpaidInterest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrNotCollectionStage) ||
		errors.Is(err, pool.ErrNotActiveStage) ||
		errors.Is(err, pool.ErrNotSettledStage) ||
		errors.Is(err, pool.ErrTerminalStatus) ||
		errors.Is(err, pool.ErrCollectionPeriodOngoing) ||
		errors.Is(err, pool.ErrPoolSizeExceeded) ||
		errors.Is(err, pool.ErrBelowMinBorrow) ||
		errors.Is(err, pool.ErrInsufficientCollateral) ||
		errors.Is(err, pool.ErrMarginCallActive) ||
		errors.Is(err, pool.ErrRatioNotBreached) ||
		errors.Is(err, pool.ErrNotLiquidatable) ||
		errors.Is(err, pool.ErrNoOutstandingDebt):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorReason maps an error to a low-cardinality metrics label.
func errorReason(err error) string {
	switch status := httpStatus(err); status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnprocessableEntity:
		return "rejected"
	case http.StatusConflict:
		return "wrong_stage"
	case http.StatusServiceUnavailable:
		return "paused"
	default:
		return "internal"
	}
}

func poolResponse(p *pool.Pool, supply *big.Int) map[string]any {
	return map[string]any{
		"poolId":               p.ID,
		"poolAddress":          p.Address.String(),
		"borrower":             p.Constants.Borrower.String(),
		"borrowAsset":          p.Constants.BorrowAsset,
		"collateralAsset":      p.Constants.CollateralAsset,
		"status":               p.Vars.Status.String(),
		"totalLent":            p.Vars.TotalLent.String(),
		"tokenSupply":          supply.String(),
		"baseLiquidityShares":  p.Vars.BaseLiquidityShares.String(),
		"extraLiquidityShares": p.Vars.ExtraLiquidityShares.String(),
		"settlementBalance":    p.Vars.SettlementBalance.String(),
		"marginCallEndTime":    p.Vars.MarginCallEndTime,
		"loanStartTime":        p.Constants.LoanStartTime,
	}
}

func decodeRequest(r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- per-client rate limiting ---

type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*rate.Limiter
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiter) allow(id string) bool {
	c.mu.Lock()
	limiter, ok := c.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.visitors[id] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
