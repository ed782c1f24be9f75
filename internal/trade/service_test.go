package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/exposure"
	"github.com/atmx/bond-engine/internal/model"
	"github.com/atmx/bond-engine/internal/store"
	"github.com/atmx/bond-engine/internal/trade"
)

const (
	day  = 86400
	year = 365 * day
	// start is a checkpoint boundary.
	start = 1_700_006_400
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type testEnv struct {
	svc    *trade.Service
	store  store.Store
	router chi.Router
	clock  *testClock
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, ms store.Store) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Unix(start, 0)}
	limiter := exposure.NewLimiter(d(5000), d(8000), 7*day)
	svc := trade.NewService(ms, limiter, nil, trade.WithClock(clock.Now))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{svc: svc, store: ms, router: r, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// createPool creates alice's pool with 1,000,000 base at 5%.
func (e *testEnv) createPool(t *testing.T) (string, decimal.Decimal) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/pools", trade.CreatePoolRequest{
		Name:         "usdc-1y",
		Provider:     "alice",
		Contribution: d(1_000_000),
		APR:          d(0.05),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		model.Pool
		LPShares decimal.Decimal `json:"lp_shares"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ID == "" {
		t.Fatal("expected a pool id")
	}
	return resp.ID, resp.LPShares
}

func (e *testEnv) trade(t *testing.T, poolID, path string, body any, want int) trade.TradeResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/pools/"+poolID+path, body)
	if w.Code != want {
		t.Fatalf("%s: expected %d, got %d: %s", path, want, w.Code, w.Body.String())
	}
	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func (e *testEnv) openLong(t *testing.T, poolID, trader string, base float64) trade.TradeResponse {
	t.Helper()
	return e.trade(t, poolID, "/longs/open", trade.OpenLongRequest{Trader: trader, Base: d(base)}, http.StatusOK)
}

func (e *testEnv) pool(t *testing.T, poolID string) trade.PoolResponse {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/pools/"+poolID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := trade.PoolResponse{Pool: &model.Pool{}}
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

// --- Pool creation ---

func TestCreatePool_Valid(t *testing.T) {
	env := newTestEnv(t)
	poolID, lpShares := env.createPool(t)

	if !lpShares.IsPositive() {
		t.Errorf("expected LP shares, got %s", lpShares)
	}

	pool := env.pool(t, poolID)
	if !pool.Info.Initialized {
		t.Error("pool should be initialized")
	}
	apr := pool.Info.FixedAPR.Decimal()
	if apr.Sub(d(0.05)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("fixed apr should be ≈ 0.05, got %s", apr)
	}
	if pool.Config.CheckpointDuration != day || pool.Config.PositionDuration != year {
		t.Errorf("unexpected durations %+v", pool.Config)
	}
	if !pool.MaxLong.IsPositive() || !pool.MaxShort.IsPositive() {
		t.Errorf("expected trade capacity, got long=%s short=%s", pool.MaxLong, pool.MaxShort)
	}

	events, _ := env.store.GetTradeEventsByPool(context.Background(), poolID)
	if len(events) != 1 || events[0].Kind != model.KindInitialize || events[0].Trader != "alice" {
		t.Errorf("expected one initialize event, got %+v", events)
	}
}

func TestCreatePool_Invalid(t *testing.T) {
	env := newTestEnv(t)
	env.createPool(t)

	tests := []struct {
		name string
		req  trade.CreatePoolRequest
		want int
	}{
		{"missing name", trade.CreatePoolRequest{Provider: "alice", Contribution: d(100), APR: d(0.05)}, http.StatusBadRequest},
		{"zero contribution", trade.CreatePoolRequest{Name: "x", Provider: "alice", APR: d(0.05)}, http.StatusBadRequest},
		{"negative apr", trade.CreatePoolRequest{Name: "x", Provider: "alice", Contribution: d(100), APR: d(-0.05)}, http.StatusBadRequest},
		{"duplicate name", trade.CreatePoolRequest{Name: "usdc-1y", Provider: "bob", Contribution: d(100), APR: d(0.05)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/pools", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetPool_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/pools/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/pools/missing/longs/open", trade.OpenLongRequest{Trader: "bob", Base: d(10)})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListPools(t *testing.T) {
	env := newTestEnv(t)
	env.createPool(t)

	w := env.do(t, "GET", "/api/v1/pools", nil)
	var pools []model.Pool
	json.Unmarshal(w.Body.Bytes(), &pools)
	if len(pools) != 1 || pools[0].Name != "usdc-1y" {
		t.Errorf("expected one pool, got %+v", pools)
	}
}

// --- Longs ---

func TestOpenLong(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	resp := env.openLong(t, poolID, "bob", 1000)

	if resp.Trade.ID == "" {
		t.Error("expected non-empty trade id")
	}
	if resp.Trade.Maturity != start+year {
		t.Errorf("expected maturity %d, got %d", start+year, resp.Trade.Maturity)
	}
	if !resp.Trade.BondAmount.GreaterThan(d(1000)) {
		t.Errorf("bonds should exceed the base paid, got %s", resp.Trade.BondAmount)
	}
	if !resp.Position.Equal(resp.Trade.BondAmount) {
		t.Errorf("position %s should equal bonds bought %s", resp.Position, resp.Trade.BondAmount)
	}
	if resp.Trade.Asset != "LONG-"+strconv.Itoa(start+year) {
		t.Errorf("unexpected asset %s", resp.Trade.Asset)
	}
	if !resp.Trade.FixedAPR.LessThan(d(0.05)) {
		t.Errorf("buying bonds should lower the fixed rate, got %s", resp.Trade.FixedAPR)
	}
}

func TestOpenLong_InvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	env.trade(t, poolID, "/longs/open", trade.OpenLongRequest{Base: d(10)}, http.StatusBadRequest)
	env.trade(t, poolID, "/longs/open", trade.OpenLongRequest{Trader: "bob", Base: d(-10)}, http.StatusBadRequest)
	env.trade(t, poolID, "/longs/open", trade.OpenLongRequest{Trader: "bob"}, http.StatusBadRequest)
	env.trade(t, poolID, "/longs/open", trade.OpenLongRequest{
		Trader: "bob", Base: d(1000), MinBondsOut: d(2000),
	}, http.StatusUnprocessableEntity)

	w := env.do(t, "POST", "/api/v1/pools/"+poolID+"/longs/open", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty body, got %d", w.Code)
	}
}

func TestQuoteLong_MatchesTrade(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	w := env.do(t, "GET", "/api/v1/pools/"+poolID+"/quote/long?base=1000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var quote trade.QuoteResponse
	json.Unmarshal(w.Body.Bytes(), &quote)

	resp := env.openLong(t, poolID, "bob", 1000)
	if !quote.Bonds.Equal(resp.Trade.BondAmount) {
		t.Errorf("quote %s should match trade %s", quote.Bonds, resp.Trade.BondAmount)
	}
	if !quote.SpotPrice.Equal(resp.Trade.SpotPrice) {
		t.Errorf("quoted spot %s should match post-trade spot %s", quote.SpotPrice, resp.Trade.SpotPrice)
	}

	w = env.do(t, "GET", "/api/v1/pools/"+poolID+"/quote/short?bonds=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad amount, got %d", w.Code)
	}
}

func TestCloseLong(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)
	opened := env.openLong(t, poolID, "bob", 1000)

	closed := env.trade(t, poolID, "/longs/close", trade.CloseRequest{
		Trader:   "bob",
		Maturity: opened.Trade.Maturity,
		Bonds:    opened.Trade.BondAmount,
	}, http.StatusOK)

	if !closed.Position.IsZero() {
		t.Errorf("position should be closed, got %s", closed.Position)
	}
	if !closed.Trade.BaseAmount.LessThan(d(1000)) || !closed.Trade.BaseAmount.IsPositive() {
		t.Errorf("an immediate close should return less than paid, got %s", closed.Trade.BaseAmount)
	}
}

func TestCloseLong_MoreThanHeld(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)
	opened := env.openLong(t, poolID, "bob", 1000)

	env.trade(t, poolID, "/longs/close", trade.CloseRequest{
		Trader:   "bob",
		Maturity: opened.Trade.Maturity,
		Bonds:    opened.Trade.BondAmount.Add(d(1)),
	}, http.StatusConflict)
	env.trade(t, poolID, "/longs/close", trade.CloseRequest{
		Trader:   "bob",
		Maturity: opened.Trade.Maturity + 1,
		Bonds:    d(1),
	}, http.StatusBadRequest)
}

func TestLongSettlesAtMaturity(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)
	opened := env.openLong(t, poolID, "bob", 1000)

	// The keeper fills every daily bucket up to and including maturity.
	env.clock.Advance(year * time.Second)
	if n := env.svc.CheckpointAll(context.Background()); n != year/day {
		t.Fatalf("expected %d checkpoints written, got %d", year/day, n)
	}

	closed := env.trade(t, poolID, "/longs/close", trade.CloseRequest{
		Trader:   "bob",
		Maturity: opened.Trade.Maturity,
		Bonds:    opened.Trade.BondAmount,
	}, http.StatusOK)

	// Face value less the flat fee.
	want := opened.Trade.BondAmount.Mul(d(0.9995))
	if closed.Trade.BaseAmount.Sub(want).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("matured long should redeem ≈ %s, got %s", want, closed.Trade.BaseAmount)
	}
}

var errStoreDown = errors.New("store unavailable")

// failingStore rejects pool saves and trade events while down is set.
type failingStore struct {
	*store.MemoryStore
	down bool
}

func (f *failingStore) SavePoolState(ctx context.Context, id string, info model.PoolInfo, snapshot []byte) error {
	if f.down {
		return errStoreDown
	}
	return f.MemoryStore.SavePoolState(ctx, id, info, snapshot)
}

func (f *failingStore) InsertTradeEvent(ctx context.Context, ev *model.TradeEvent) error {
	if f.down {
		return errStoreDown
	}
	return f.MemoryStore.InsertTradeEvent(ctx, ev)
}

func TestOpenLong_StoreFailureAfterCommit(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	env := newTestEnvWithStore(t, fs)
	poolID, _ := env.createPool(t)

	fs.down = true
	resp := env.openLong(t, poolID, "bob", 1000)
	if resp.Trade.ID == "" {
		t.Error("expected the committed trade in the response")
	}
	if !resp.Position.Equal(resp.Trade.BondAmount) {
		t.Errorf("position %s should equal bonds bought %s", resp.Position, resp.Trade.BondAmount)
	}
	if got := env.positions(t, "bob"); len(got.Positions) != 1 {
		t.Fatalf("expected bob's long to stay open, got %+v", got.Positions)
	}

	// Once the store is back the next trade persists the whole pool.
	fs.down = false
	env.openLong(t, poolID, "carol", 1000)
	restarted := newTestEnvWithStore(t, fs)
	if err := restarted.svc.LoadPools(context.Background()); err != nil {
		t.Fatalf("load pools: %v", err)
	}
	if got := restarted.positions(t, "bob"); len(got.Positions) != 1 {
		t.Errorf("expected bob's long after restore, got %+v", got.Positions)
	}
}

// --- Shorts ---

func TestOpenAndCloseShort(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	opened := env.trade(t, poolID, "/shorts/open", trade.OpenShortRequest{Trader: "carol", Bonds: d(1000)}, http.StatusOK)
	if !opened.Trade.BaseAmount.IsPositive() || !opened.Trade.BaseAmount.LessThan(d(1000)) {
		t.Errorf("short deposit should be within (0, 1000), got %s", opened.Trade.BaseAmount)
	}
	if !opened.Position.Equal(d(1000)) {
		t.Errorf("expected 1000 shorted bonds, got %s", opened.Position)
	}
	if !opened.Trade.FixedAPR.GreaterThan(d(0.05)) {
		t.Errorf("selling bonds should raise the fixed rate, got %s", opened.Trade.FixedAPR)
	}

	env.trade(t, poolID, "/shorts/open", trade.OpenShortRequest{
		Trader: "carol", Bonds: d(1000), MaxDeposit: d(1),
	}, http.StatusUnprocessableEntity)

	closed := env.trade(t, poolID, "/shorts/close", trade.CloseRequest{
		Trader:   "carol",
		Maturity: opened.Trade.Maturity,
		Bonds:    d(1000),
	}, http.StatusOK)
	if !closed.Position.IsZero() {
		t.Errorf("short should be closed, got %s", closed.Position)
	}
	if !closed.Trade.BaseAmount.LessThan(opened.Trade.BaseAmount) {
		t.Errorf("an immediate close should return less than deposited: %s vs %s",
			closed.Trade.BaseAmount, opened.Trade.BaseAmount)
	}
}

// --- Exposure limits ---

func TestOpenLong_PerMaturityLimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	first := env.openLong(t, poolID, "bob", 4000)

	// 4000 base buys ≈ 4170 bonds; another 1000 base would pass 5000.
	env.trade(t, poolID, "/longs/open", trade.OpenLongRequest{Trader: "bob", Base: d(1000)}, http.StatusConflict)

	portfolio := env.positions(t, "bob")
	if len(portfolio.Positions) != 1 || !portfolio.Positions[0].Balance.Equal(first.Trade.BondAmount) {
		t.Errorf("rejected trade must not change positions, got %+v", portfolio.Positions)
	}

	// Another trader is unaffected.
	env.openLong(t, poolID, "dave", 1000)
}

func TestOpenShort_CountsLongExposure(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)
	env.openLong(t, poolID, "bob", 3000)

	env.trade(t, poolID, "/shorts/open", trade.OpenShortRequest{Trader: "bob", Bonds: d(2000)}, http.StatusConflict)
	env.trade(t, poolID, "/shorts/open", trade.OpenShortRequest{Trader: "bob", Bonds: d(1000)}, http.StatusOK)
}

// --- Liquidity ---

func TestAddLiquidity(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)
	env.openLong(t, poolID, "bob", 1000)
	before := env.pool(t, poolID).Info.FixedAPR.Decimal()

	resp := env.trade(t, poolID, "/liquidity/add", trade.AddLiquidityRequest{
		Provider: "erin", Contribution: d(10_000),
	}, http.StatusOK)
	if !resp.Position.IsPositive() {
		t.Errorf("expected LP shares, got %s", resp.Position)
	}
	if after := resp.Pool.FixedAPR.Decimal(); after.Sub(before).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("adding liquidity should keep the rate: %s vs %s", before, after)
	}
}

func TestRemoveLiquidityAndRedeem(t *testing.T) {
	env := newTestEnv(t)
	poolID, lpShares := env.createPool(t)
	opened := env.openLong(t, poolID, "bob", 1000)

	half := lpShares.Div(decimal.NewFromInt(2)).Truncate(18)
	w := env.do(t, "POST", "/api/v1/pools/"+poolID+"/liquidity/remove", trade.RemoveLiquidityRequest{
		Provider: "alice", LPShares: half,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var removed trade.WithdrawalResponse
	json.Unmarshal(w.Body.Bytes(), &removed)
	if !removed.Trade.BaseAmount.IsPositive() {
		t.Errorf("expected base out, got %s", removed.Trade.BaseAmount)
	}
	if !removed.LongWithdrawalShares.IsPositive() || !removed.ShortWithdrawalShares.IsZero() {
		t.Errorf("expected long withdrawal shares only, got %s / %s",
			removed.LongWithdrawalShares, removed.ShortWithdrawalShares)
	}

	redeem := trade.RedeemRequest{Provider: "alice", LongShares: removed.LongWithdrawalShares}
	env.trade(t, poolID, "/liquidity/redeem", redeem, http.StatusConflict)

	env.trade(t, poolID, "/longs/close", trade.CloseRequest{
		Trader: "bob", Maturity: opened.Trade.Maturity, Bonds: opened.Trade.BondAmount,
	}, http.StatusOK)

	redeemed := env.trade(t, poolID, "/liquidity/redeem", redeem, http.StatusOK)
	if !redeemed.Trade.BaseAmount.IsPositive() {
		t.Errorf("expected redemption proceeds, got %s", redeemed.Trade.BaseAmount)
	}
	if redeemed.Trade.Kind != model.KindRedeem {
		t.Errorf("unexpected kind %s", redeemed.Trade.Kind)
	}
}

// --- Checkpoints ---

func TestCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	// Initialization already recorded the current checkpoint.
	w := env.do(t, "GET", "/api/v1/pools/"+poolID+"/checkpoints/1700006400", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if n := env.svc.CheckpointAll(context.Background()); n != 0 {
		t.Errorf("expected no checkpoint to write, got %d", n)
	}

	env.clock.Advance(day * time.Second)
	resp := env.trade(t, poolID, "/checkpoint", nil, http.StatusOK)
	if resp.Trade.Kind != model.KindCheckpoint || resp.Trade.Maturity != start+day {
		t.Errorf("unexpected checkpoint event %+v", resp.Trade)
	}
	if n := env.svc.CheckpointAll(context.Background()); n != 0 {
		t.Errorf("checkpoint should already be recorded, wrote %d", n)
	}

	env.trade(t, poolID, "/checkpoint", trade.CheckpointRequest{Time: start + day + 1}, http.StatusBadRequest)
	env.trade(t, poolID, "/checkpoint", trade.CheckpointRequest{Time: start + 2*day}, http.StatusBadRequest)

	w = env.do(t, "GET", "/api/v1/pools/"+poolID+"/checkpoints/1700179200", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unrecorded checkpoint, got %d", w.Code)
	}
}

func TestCheckpointAll_FillsSkippedBuckets(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)

	env.clock.Advance((3*day + 3600) * time.Second)
	if n := env.svc.CheckpointAll(context.Background()); n != 3 {
		t.Fatalf("expected 3 checkpoints written, got %d", n)
	}
	for _, ts := range []int{start + day, start + 2*day, start + 3*day} {
		w := env.do(t, "GET", "/api/v1/pools/"+poolID+"/checkpoints/"+strconv.Itoa(ts), nil)
		if w.Code != http.StatusOK {
			t.Errorf("checkpoint %d: expected 200, got %d", ts, w.Code)
		}
	}
	if n := env.svc.CheckpointAll(context.Background()); n != 0 {
		t.Errorf("expected nothing left to write, got %d", n)
	}
}

// --- History, positions and restore ---

func (e *testEnv) positions(t *testing.T, trader string) model.Portfolio {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/traders/"+trader+"/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	return portfolio
}

func TestPositionsAndHistory(t *testing.T) {
	env := newTestEnv(t)
	poolID, _ := env.createPool(t)
	long := env.openLong(t, poolID, "bob", 1000)
	env.trade(t, poolID, "/shorts/open", trade.OpenShortRequest{Trader: "bob", Bonds: d(500)}, http.StatusOK)

	portfolio := env.positions(t, "bob")
	if len(portfolio.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %+v", portfolio.Positions)
	}
	want := long.Trade.BondAmount.Add(d(500))
	if got := portfolio.Exposure[start+year]; !got.Equal(want) {
		t.Errorf("expected exposure %s at maturity, got %s", want, got)
	}

	if empty := env.positions(t, "nobody"); len(empty.Positions) != 0 {
		t.Errorf("expected no positions, got %+v", empty.Positions)
	}

	w := env.do(t, "GET", "/api/v1/pools/"+poolID+"/history", nil)
	var history []model.TradeEvent
	json.Unmarshal(w.Body.Bytes(), &history)
	if len(history) != 3 {
		t.Fatalf("expected 3 events, got %d", len(history))
	}
	kinds := []model.TradeKind{model.KindInitialize, model.KindOpenLong, model.KindOpenShort}
	for i, k := range kinds {
		if history[i].Kind != k {
			t.Errorf("event %d: expected %s, got %s", i, k, history[i].Kind)
		}
	}
}

func TestLoadPools_RestoresState(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnvWithStore(t, ms)
	poolID, _ := env.createPool(t)
	long := env.openLong(t, poolID, "bob", 1000)
	before := env.pool(t, poolID)

	restarted := newTestEnvWithStore(t, ms)
	if err := restarted.svc.LoadPools(context.Background()); err != nil {
		t.Fatalf("load pools: %v", err)
	}
	after := restarted.pool(t, poolID)
	if after.Info.ShareReserves != before.Info.ShareReserves || after.Info.BondReserves != before.Info.BondReserves {
		t.Errorf("reserves differ after restore: %+v vs %+v", after.Info.MarketState, before.Info.MarketState)
	}

	closed := restarted.trade(t, poolID, "/longs/close", trade.CloseRequest{
		Trader: "bob", Maturity: long.Trade.Maturity, Bonds: long.Trade.BondAmount,
	}, http.StatusOK)
	if !closed.Position.IsZero() {
		t.Errorf("restored ledger should allow closing, got %s", closed.Position)
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsTrades(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	all, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer all.Close()
	filtered, _, err := websocket.DefaultDialer.Dial(url+"?pool=other", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer filtered.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := hub.Clients(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}

	ms := store.NewMemoryStore()
	clock := &testClock{now: time.Unix(start, 0)}
	svc := trade.NewService(ms, nil, hub, trade.WithClock(clock.Now))
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	env := &testEnv{svc: svc, store: ms, router: r, clock: clock}
	poolID, _ := env.createPool(t)

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := all.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg trade.WSMessage
	json.Unmarshal(data, &msg)
	if msg.Type != "trade_executed" || msg.PoolID != poolID || msg.Kind != string(model.KindInitialize) || msg.Trader != "alice" {
		t.Errorf("unexpected message %+v", msg)
	}

	filtered.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := filtered.ReadMessage(); err == nil {
		t.Errorf("client subscribed to another pool received %s", data)
	}
}
