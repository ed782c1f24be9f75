package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/model"
)

// Compile-time checks that every implementation satisfies Store.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

func newPool(id, name string, created time.Time) *model.Pool {
	return &model.Pool{
		ID:        id,
		Name:      name,
		Status:    "active",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore_PoolLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	if err := s.CreatePool(ctx, newPool("p1", "usdc-1y", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreatePool(ctx, newPool("p2", "usdc-1y", now)); err == nil {
		t.Error("expected duplicate name to fail")
	}
	if err := s.CreatePool(ctx, newPool("p2", "dai-1y", now.Add(time.Minute))); err != nil {
		t.Fatalf("create: %v", err)
	}

	pools, err := s.ListPools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pools) != 2 || pools[0].ID != "p2" {
		t.Errorf("expected newest pool first, got %+v", pools)
	}

	if _, err := s.GetPool(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SavePoolState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreatePool(ctx, newPool("p1", "usdc-1y", time.Now())); err != nil {
		t.Fatal(err)
	}

	info := model.PoolInfo{FixedAPR: fixedpoint.MustParse("0.05"), Timestamp: 42}
	snapshot := []byte(`{"state":{}}`)
	if err := s.SavePoolState(ctx, "p1", info, snapshot); err != nil {
		t.Fatal(err)
	}
	snapshot[0] = 'x'

	p, err := s.GetPool(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.FixedAPR.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("expected fixed apr 0.05, got %s", p.FixedAPR)
	}
	if p.Info.Timestamp != 42 {
		t.Errorf("expected info to be saved, got %+v", p.Info)
	}

	got, err := s.GetPoolSnapshot(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"state":{}}` {
		t.Errorf("snapshot was not copied: %s", got)
	}

	if err := s.SavePoolState(ctx, "missing", info, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TradeEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	events := []model.TradeEvent{
		{ID: "e1", PoolID: "p1", Trader: "alice", Kind: model.KindInitialize},
		{ID: "e2", PoolID: "p1", Trader: "bob", Kind: model.KindOpenLong},
		{ID: "e3", PoolID: "p2", Trader: "bob", Kind: model.KindOpenShort},
	}
	for i := range events {
		if err := s.InsertTradeEvent(ctx, &events[i]); err != nil {
			t.Fatal(err)
		}
	}

	byPool, _ := s.GetTradeEventsByPool(ctx, "p1")
	if len(byPool) != 2 || byPool[1].ID != "e2" {
		t.Errorf("expected e1, e2 for p1, got %+v", byPool)
	}
	byTrader, _ := s.GetTradeEventsByTrader(ctx, "bob")
	if len(byTrader) != 2 || byTrader[1].Kind != model.KindOpenShort {
		t.Errorf("expected e2, e3 for bob, got %+v", byTrader)
	}
}

func TestParseNumerics(t *testing.T) {
	got, err := parseNumerics("1.5", "0", "-2")
	if err != nil {
		t.Fatal(err)
	}
	if !got[0].Equal(decimal.RequireFromString("1.5")) || !got[2].Equal(decimal.NewFromInt(-2)) {
		t.Errorf("unexpected values %v", got)
	}

	if _, err := parseNumerics("1", "abc"); err == nil {
		t.Error("expected error for non-numeric text")
	}
}

func TestCacheKeys(t *testing.T) {
	if got := poolKey("p1"); got != "bond:pool:p1" {
		t.Errorf("poolKey = %s", got)
	}
	if got := historyKey("p1"); got != "bond:history:p1" {
		t.Errorf("historyKey = %s", got)
	}
	if got := traderKey("bob"); got != "bond:trader:bob" {
		t.Errorf("traderKey = %s", got)
	}
}
