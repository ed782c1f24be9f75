// Package ledger records position balances per asset and owner.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/fixedpoint"
)

var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// Balance is one owner's holding of one asset.
type Balance struct {
	Asset  asset.ID              `json:"asset"`
	Owner  string                `json:"owner"`
	Amount fixedpoint.FixedPoint `json:"amount"`
}

type key struct {
	id    asset.ID
	owner string
}

// Memory is an in-memory position ledger. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	balances map[key]fixedpoint.FixedPoint
	supply   map[asset.ID]fixedpoint.FixedPoint
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[key]fixedpoint.FixedPoint),
		supply:   make(map[asset.ID]fixedpoint.FixedPoint),
	}
}

// Mint credits amount of id to owner.
func (m *Memory) Mint(id asset.ID, to string, amount fixedpoint.FixedPoint) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer fixedpoint.Recover(&err)

	k := key{id, to}
	balance := m.balances[k].Add(amount)
	supply := m.supply[id].Add(amount)
	m.balances[k] = balance
	m.supply[id] = supply
	return nil
}

// Burn debits amount of id from owner.
func (m *Memory) Burn(id asset.ID, from string, amount fixedpoint.FixedPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{id, from}
	balance := m.balances[k]
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, burning %s", ErrInsufficientBalance, from, balance, id, amount)
	}
	balance = balance.Sub(amount)
	if balance.IsZero() {
		delete(m.balances, k)
	} else {
		m.balances[k] = balance
	}
	supply := m.supply[id].Sub(amount)
	if supply.IsZero() {
		delete(m.supply, id)
	} else {
		m.supply[id] = supply
	}
	return nil
}

func (m *Memory) BalanceOf(id asset.ID, owner string) fixedpoint.FixedPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[key{id, owner}]
}

func (m *Memory) TotalSupply(id asset.ID) fixedpoint.FixedPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supply[id]
}

// Balances lists owner's non-zero balances ordered by packed asset id.
func (m *Memory) Balances(owner string) []Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Balance
	for k, amount := range m.balances {
		if k.owner == owner {
			out = append(out, Balance{Asset: k.id, Owner: owner, Amount: amount})
		}
	}
	sortBalances(out)
	return out
}

// Snapshot lists every non-zero balance.
func (m *Memory) Snapshot() []Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Balance, 0, len(m.balances))
	for k, amount := range m.balances {
		out = append(out, Balance{Asset: k.id, Owner: k.owner, Amount: amount})
	}
	sortBalances(out)
	return out
}

// Restore replaces the ledger's contents with balances.
func (m *Memory) Restore(balances []Balance) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer fixedpoint.Recover(&err)

	next := make(map[key]fixedpoint.FixedPoint, len(balances))
	supply := make(map[asset.ID]fixedpoint.FixedPoint)
	for _, b := range balances {
		if b.Amount.IsZero() {
			continue
		}
		k := key{b.Asset, b.Owner}
		next[k] = next[k].Add(b.Amount)
		supply[b.Asset] = supply[b.Asset].Add(b.Amount)
	}
	m.balances = next
	m.supply = supply
	return nil
}

func sortBalances(bs []Balance) {
	sort.Slice(bs, func(i, j int) bool {
		if c := bs[i].Asset.Encode().Cmp(bs[j].Asset.Encode()); c != 0 {
			return c < 0
		}
		return bs[i].Owner < bs[j].Owner
	})
}
