package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/engine"
	"github.com/atmx/bond-engine/internal/exposure"
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/model"
	"github.com/atmx/bond-engine/internal/store"
)

// Routes mounts the pool API on r. The WebSocket and metrics endpoints are
// mounted by the caller.
func (s *Service) Routes(r chi.Router) {
	r.Get("/pools", s.ListPools)
	r.Post("/pools", s.CreatePool)
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", s.GetPool)
		r.Get("/history", s.GetPoolHistory)
		r.Get("/checkpoints/{time}", s.GetCheckpoint)
		r.Post("/checkpoint", s.Checkpoint)

		r.Post("/liquidity/add", s.AddLiquidity)
		r.Post("/liquidity/remove", s.RemoveLiquidity)
		r.Post("/liquidity/redeem", s.RedeemWithdrawalShares)

		r.Post("/longs/open", s.OpenLong)
		r.Post("/longs/close", s.CloseLong)
		r.Post("/shorts/open", s.OpenShort)
		r.Post("/shorts/close", s.CloseShort)

		r.Get("/quote/long", s.QuoteLong)
		r.Get("/quote/short", s.QuoteShort)
	})
	r.Get("/traders/{trader}/positions", s.GetPositions)
}

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for pool creation. The pool is
// initialized with the provider's contribution at the given fixed rate.
type CreatePoolRequest struct {
	Name              string           `json:"name"`
	Provider          string           `json:"provider"`
	Contribution      decimal.Decimal  `json:"contribution"`
	APR               decimal.Decimal  `json:"apr"`
	InitialSharePrice decimal.Decimal  `json:"initial_share_price"` // 0 → configured default
	VariableRate      *decimal.Decimal `json:"variable_rate,omitempty"`
	TimeStretch       decimal.Decimal  `json:"time_stretch"` // 0 → derived from apr
}

// AddLiquidityRequest is the JSON body for POST .../liquidity/add.
type AddLiquidityRequest struct {
	Provider     string          `json:"provider"`
	Contribution decimal.Decimal `json:"contribution"`
	MinLPOut     decimal.Decimal `json:"min_lp_out"`
}

// RemoveLiquidityRequest is the JSON body for POST .../liquidity/remove.
type RemoveLiquidityRequest struct {
	Provider    string          `json:"provider"`
	LPShares    decimal.Decimal `json:"lp_shares"`
	MinBaseOut  decimal.Decimal `json:"min_base_out"`
	Destination string          `json:"destination"` // "" → provider
}

// RedeemRequest is the JSON body for POST .../liquidity/redeem.
type RedeemRequest struct {
	Provider    string          `json:"provider"`
	LongShares  decimal.Decimal `json:"long_shares"`
	ShortShares decimal.Decimal `json:"short_shares"`
	MinBaseOut  decimal.Decimal `json:"min_base_out"`
	Destination string          `json:"destination"`
}

// OpenLongRequest is the JSON body for POST .../longs/open.
type OpenLongRequest struct {
	Trader      string          `json:"trader"`
	Base        decimal.Decimal `json:"base"`
	MinBondsOut decimal.Decimal `json:"min_bonds_out"`
}

// OpenShortRequest is the JSON body for POST .../shorts/open.
type OpenShortRequest struct {
	Trader     string          `json:"trader"`
	Bonds      decimal.Decimal `json:"bonds"`
	MaxDeposit decimal.Decimal `json:"max_deposit"` // 0 → no limit
}

// CloseRequest is the JSON body for closing a long or a short.
type CloseRequest struct {
	Trader      string          `json:"trader"`
	Maturity    uint64          `json:"maturity"`
	Bonds       decimal.Decimal `json:"bonds"`
	MinBaseOut  decimal.Decimal `json:"min_base_out"`
	Destination string          `json:"destination"`
}

// CheckpointRequest is the JSON body for POST .../checkpoint.
type CheckpointRequest struct {
	Time uint64 `json:"time"` // 0 → latest checkpoint
}

// TradeResponse is returned by every state-changing pool call.
type TradeResponse struct {
	Trade    *model.TradeEvent `json:"trade"`
	Pool     model.PoolInfo    `json:"pool"`
	Position decimal.Decimal   `json:"position"` // trader's balance of the asset afterwards
}

// WithdrawalResponse is returned from POST .../liquidity/remove.
type WithdrawalResponse struct {
	TradeResponse
	LongWithdrawalShares  decimal.Decimal `json:"long_withdrawal_shares"`
	ShortWithdrawalShares decimal.Decimal `json:"short_withdrawal_shares"`
}

// PoolResponse is a pool record with its live state and trade capacity.
type PoolResponse struct {
	*model.Pool
	MaxLong  decimal.Decimal `json:"max_long"`  // base
	MaxShort decimal.Decimal `json:"max_short"` // bonds
}

// QuoteResponse is the dry-run result of opening a position.
type QuoteResponse struct {
	Asset      string          `json:"asset"`
	Maturity   uint64          `json:"maturity"`
	Base       decimal.Decimal `json:"base"`
	Bonds      decimal.Decimal `json:"bonds"`
	SharePrice decimal.Decimal `json:"share_price"`
	SpotPrice  decimal.Decimal `json:"spot_price"`
	FixedAPR   decimal.Decimal `json:"fixed_apr"`
}

// --- Pool handlers ---

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}
	pool, receipt, err := s.createPool(r.Context(), CreatePoolParams(req))
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		*model.Pool
		LPShares decimal.Decimal `json:"lp_shares"`
	}{pool, receipt.Bonds.Decimal()})
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, pools)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	ctx := r.Context()

	rt, err := s.runtime(poolID)
	if err != nil {
		s.fail(w, err)
		return
	}
	record, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if record.Info, err = rt.engine.Info(ctx); err != nil {
		s.fail(w, err)
		return
	}
	maxLong, err := rt.engine.MaxLong(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	maxShort, err := rt.engine.MaxShort(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, PoolResponse{Pool: record, MaxLong: maxLong.Decimal(), MaxShort: maxShort.Decimal()})
}

// GetPoolHistory handles GET /api/v1/pools/{poolID}/history
// Returns the trade log to reconstruct rate history.
func (s *Service) GetPoolHistory(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")

	trades, err := s.store.GetTradeEventsByPool(r.Context(), poolID)
	if err != nil {
		writeError(w, "failed to get pool history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeEvent{}
	}
	writeJSON(w, trades)
}

// GetCheckpoint handles GET /api/v1/pools/{poolID}/checkpoints/{time}
func (s *Service) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(chi.URLParam(r, "poolID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	t, err := strconv.ParseUint(chi.URLParam(r, "time"), 10, 64)
	if err != nil {
		writeError(w, "time must be a unix timestamp", http.StatusBadRequest)
		return
	}
	cp, ok := rt.engine.CheckpointAt(t)
	if !ok {
		writeError(w, "checkpoint not found", http.StatusNotFound)
		return
	}
	writeJSON(w, cp)
}

// Checkpoint handles POST /api/v1/pools/{poolID}/checkpoint
func (s *Service) Checkpoint(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	var req CheckpointRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Time == 0 {
		rt, err := s.runtime(poolID)
		if err != nil {
			s.fail(w, err)
			return
		}
		req.Time = rt.engine.LatestCheckpoint()
	}

	ev, info, err := s.checkpoint(r.Context(), poolID, req.Time)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, TradeResponse{Trade: ev, Pool: info, Position: decimal.Zero})
}

// --- Liquidity handlers ---

// AddLiquidity handles POST /api/v1/pools/{poolID}/liquidity/add
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if !decode(w, r, &req) || !requireField(w, "provider", req.Provider) {
		return
	}
	contribution, err1 := toFixed("contribution", req.Contribution)
	minOut, err2 := toFixed("min_lp_out", req.MinLPOut)
	if err := errors.Join(err1, err2); err != nil {
		s.fail(w, err)
		return
	}

	var position decimal.Decimal
	ev, info, err := s.run(r.Context(), chi.URLParam(r, "poolID"), model.KindAddLiquidity, func(rt *poolRuntime) (operation, error) {
		receipt, err := rt.engine.AddLiquidity(r.Context(), req.Provider, contribution, minOut)
		if err != nil {
			return operation{}, err
		}
		position = rt.ledger.BalanceOf(asset.LPShareID, req.Provider).Decimal()
		return receiptOperation(req.Provider, receipt), nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, TradeResponse{Trade: ev, Pool: info, Position: position})
}

// RemoveLiquidity handles POST /api/v1/pools/{poolID}/liquidity/remove
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req RemoveLiquidityRequest
	if !decode(w, r, &req) || !requireField(w, "provider", req.Provider) {
		return
	}
	lpShares, err1 := toFixed("lp_shares", req.LPShares)
	minOut, err2 := toFixed("min_base_out", req.MinBaseOut)
	if err := errors.Join(err1, err2); err != nil {
		s.fail(w, err)
		return
	}

	var resp WithdrawalResponse
	ev, info, err := s.run(r.Context(), chi.URLParam(r, "poolID"), model.KindRemoveLiquidity, func(rt *poolRuntime) (operation, error) {
		wd, err := rt.engine.RemoveLiquidity(r.Context(), req.Provider, lpShares, minOut, destination(req.Destination, req.Provider))
		if err != nil {
			return operation{}, err
		}
		resp.Position = rt.ledger.BalanceOf(asset.LPShareID, req.Provider).Decimal()
		resp.LongWithdrawalShares = wd.LongWithdrawalShares.Decimal()
		resp.ShortWithdrawalShares = wd.ShortWithdrawalShares.Decimal()
		return operation{
			trader:     req.Provider,
			asset:      asset.LPShareID.String(),
			base:       wd.Base,
			bonds:      lpShares,
			sharePrice: wd.SharePrice,
		}, nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	resp.Trade, resp.Pool = ev, info
	writeJSON(w, resp)
}

// RedeemWithdrawalShares handles POST /api/v1/pools/{poolID}/liquidity/redeem
func (s *Service) RedeemWithdrawalShares(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) || !requireField(w, "provider", req.Provider) {
		return
	}
	longShares, err1 := toFixed("long_shares", req.LongShares)
	shortShares, err2 := toFixed("short_shares", req.ShortShares)
	minOut, err3 := toFixed("min_base_out", req.MinBaseOut)
	if err := errors.Join(err1, err2, err3); err != nil {
		s.fail(w, err)
		return
	}

	ev, info, err := s.run(r.Context(), chi.URLParam(r, "poolID"), model.KindRedeem, func(rt *poolRuntime) (operation, error) {
		receipt, err := rt.engine.RedeemWithdrawalShares(r.Context(), req.Provider, longShares, shortShares, minOut, destination(req.Destination, req.Provider))
		if err != nil {
			return operation{}, err
		}
		op := receiptOperation(req.Provider, receipt)
		op.asset = "WITHDRAWAL_SHARES"
		return op, nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, TradeResponse{Trade: ev, Pool: info, Position: decimal.Zero})
}

// --- Trading handlers ---

// OpenLong handles POST /api/v1/pools/{poolID}/longs/open
// The trade is quoted first so the exposure limiter sees the bonds it
// would add.
func (s *Service) OpenLong(w http.ResponseWriter, r *http.Request) {
	var req OpenLongRequest
	if !decode(w, r, &req) || !requireField(w, "trader", req.Trader) {
		return
	}
	base, err1 := toFixed("base", req.Base)
	minOut, err2 := toFixed("min_bonds_out", req.MinBondsOut)
	if err := errors.Join(err1, err2); err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	var position decimal.Decimal
	ev, info, err := s.run(ctx, chi.URLParam(r, "poolID"), model.KindOpenLong, func(rt *poolRuntime) (operation, error) {
		quote, err := rt.engine.QuoteOpenLong(ctx, base)
		if err != nil {
			return operation{}, err
		}
		if err := s.checkExposure(req.Trader, quote.Maturity, quote.Bonds); err != nil {
			return operation{}, err
		}
		receipt, err := rt.engine.OpenLong(ctx, req.Trader, base, minOut)
		if err != nil {
			return operation{}, err
		}
		position = rt.ledger.BalanceOf(receipt.Asset, req.Trader).Decimal()
		return receiptOperation(req.Trader, receipt), nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, TradeResponse{Trade: ev, Pool: info, Position: position})
}

// CloseLong handles POST /api/v1/pools/{poolID}/longs/close
func (s *Service) CloseLong(w http.ResponseWriter, r *http.Request) {
	s.closePosition(w, r, model.KindCloseLong, (*engine.Pool).CloseLong)
}

// OpenShort handles POST /api/v1/pools/{poolID}/shorts/open
func (s *Service) OpenShort(w http.ResponseWriter, r *http.Request) {
	var req OpenShortRequest
	if !decode(w, r, &req) || !requireField(w, "trader", req.Trader) {
		return
	}
	bonds, err1 := toFixed("bonds", req.Bonds)
	maxDeposit, err2 := toFixed("max_deposit", req.MaxDeposit)
	if err := errors.Join(err1, err2); err != nil {
		s.fail(w, err)
		return
	}
	if maxDeposit.IsZero() {
		maxDeposit = noLimit
	}

	ctx := r.Context()
	var position decimal.Decimal
	ev, info, err := s.run(ctx, chi.URLParam(r, "poolID"), model.KindOpenShort, func(rt *poolRuntime) (operation, error) {
		maturity := rt.engine.LatestCheckpoint() + rt.engine.Config().PositionDuration
		if err := s.checkExposure(req.Trader, maturity, bonds); err != nil {
			return operation{}, err
		}
		receipt, err := rt.engine.OpenShort(ctx, req.Trader, bonds, maxDeposit)
		if err != nil {
			return operation{}, err
		}
		position = rt.ledger.BalanceOf(receipt.Asset, req.Trader).Decimal()
		return receiptOperation(req.Trader, receipt), nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, TradeResponse{Trade: ev, Pool: info, Position: position})
}

// CloseShort handles POST /api/v1/pools/{poolID}/shorts/close
func (s *Service) CloseShort(w http.ResponseWriter, r *http.Request) {
	s.closePosition(w, r, model.KindCloseShort, (*engine.Pool).CloseShort)
}

type closeFunc func(p *engine.Pool, ctx context.Context, trader string, maturity uint64, bonds, minBaseOut fixedpoint.FixedPoint, destination string) (engine.Receipt, error)

func (s *Service) closePosition(w http.ResponseWriter, r *http.Request, kind model.TradeKind, closeFn closeFunc) {
	var req CloseRequest
	if !decode(w, r, &req) || !requireField(w, "trader", req.Trader) {
		return
	}
	bonds, err1 := toFixed("bonds", req.Bonds)
	minOut, err2 := toFixed("min_base_out", req.MinBaseOut)
	if err := errors.Join(err1, err2); err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	var position decimal.Decimal
	ev, info, err := s.run(ctx, chi.URLParam(r, "poolID"), kind, func(rt *poolRuntime) (operation, error) {
		receipt, err := closeFn(rt.engine, ctx, req.Trader, req.Maturity, bonds, minOut, destination(req.Destination, req.Trader))
		if err != nil {
			return operation{}, err
		}
		position = rt.ledger.BalanceOf(receipt.Asset, req.Trader).Decimal()
		return receiptOperation(req.Trader, receipt), nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, TradeResponse{Trade: ev, Pool: info, Position: position})
}

// --- Quotes ---

// QuoteLong handles GET /api/v1/pools/{poolID}/quote/long?base=
func (s *Service) QuoteLong(w http.ResponseWriter, r *http.Request) {
	s.quote(w, r, "base", (*engine.Pool).QuoteOpenLong)
}

// QuoteShort handles GET /api/v1/pools/{poolID}/quote/short?bonds=
func (s *Service) QuoteShort(w http.ResponseWriter, r *http.Request) {
	s.quote(w, r, "bonds", (*engine.Pool).QuoteOpenShort)
}

type quoteFunc func(p *engine.Pool, ctx context.Context, amount fixedpoint.FixedPoint) (engine.Quote, error)

func (s *Service) quote(w http.ResponseWriter, r *http.Request, param string, quote quoteFunc) {
	rt, err := s.runtime(chi.URLParam(r, "poolID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	d, err := decimal.NewFromString(r.URL.Query().Get(param))
	if err != nil {
		writeError(w, param+" must be a decimal amount", http.StatusBadRequest)
		return
	}
	amount, err := toFixed(param, d)
	if err != nil {
		s.fail(w, err)
		return
	}
	q, err := quote(rt.engine, r.Context(), amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, QuoteResponse{
		Asset:      q.Asset.String(),
		Maturity:   q.Maturity,
		Base:       q.Base.Decimal(),
		Bonds:      q.Bonds.Decimal(),
		SharePrice: q.SharePrice.Decimal(),
		SpotPrice:  q.SpotPrice.Decimal(),
		FixedAPR:   q.FixedAPR.Decimal(),
	})
}

// --- Portfolio ---

// GetPositions handles GET /api/v1/traders/{trader}/positions
// Returns balances across pools and bond exposure per maturity.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.portfolio(chi.URLParam(r, "trader")))
}

// --- Helpers ---

func receiptOperation(trader string, r engine.Receipt) operation {
	return operation{
		trader:     trader,
		asset:      r.Asset.String(),
		maturity:   r.Maturity,
		base:       r.Base,
		bonds:      r.Bonds,
		sharePrice: r.SharePrice,
	}
}

func destination(dest, owner string) string {
	if dest == "" {
		return owner
	}
	return dest
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireField(w http.ResponseWriter, field, value string) bool {
	if value == "" {
		writeError(w, field+" is required", http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps err onto a status code and writes it.
func (s *Service) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errPoolNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, errInvalidRequest),
		errors.Is(err, fixedpoint.ErrInvalidNumber),
		errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrInvalidCheckpointTime),
		errors.Is(err, engine.ErrInvalidMaturity),
		errors.Is(err, engine.ErrInvalidConfig),
		errors.Is(err, engine.ErrInvalidCheckpointDuration):
		return http.StatusBadRequest

	case errors.Is(err, errConflict),
		errors.Is(err, engine.ErrAlreadyInitialized),
		errors.Is(err, engine.ErrNotInitialized),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrWithdrawalSharesNotReady),
		errors.Is(err, exposure.ErrPerMaturityLimitExceeded),
		errors.Is(err, exposure.ErrCorrelatedLimitExceeded):
		return http.StatusConflict

	case errors.Is(err, engine.ErrOutputLimit),
		errors.Is(err, engine.ErrInsufficientSolvency),
		errors.Is(err, engine.ErrNegativeInterest),
		errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrArithmetic):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
