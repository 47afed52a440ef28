package party

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bazaar/internal/store"
)

// MemoryAccount is the in-process Party implementation used by the daemon
// and the tests.
type MemoryAccount struct {
	id uuid.UUID

	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	buys     map[int64]struct{}
	sells    map[int64]struct{}
	grants   map[uuid.UUID]bool
	onTrade  func(TradeResult)
}

func NewMemoryAccount(id uuid.UUID) *MemoryAccount {
	return &MemoryAccount{
		id:       id,
		balances: make(map[uuid.UUID]decimal.Decimal),
		buys:     make(map[int64]struct{}),
		sells:    make(map[int64]struct{}),
		grants:   make(map[uuid.UUID]bool),
	}
}

func (a *MemoryAccount) ID() uuid.UUID { return a.id }

func (a *MemoryAccount) Balance(currency uuid.UUID) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[currency]
}

func (a *MemoryAccount) SetBalance(currency uuid.UUID, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[currency] = amount
}

func (a *MemoryAccount) orderSet(side store.Side) map[int64]struct{} {
	if side == store.Buy {
		return a.buys
	}
	return a.sells
}

func (a *MemoryAccount) HasOrder(side store.Side, id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.orderSet(side)[id]
	return ok
}

func (a *MemoryAccount) AddOrderID(side store.Side, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orderSet(side)[id] = struct{}{}
}

func (a *MemoryAccount) RemoveOrderID(side store.Side, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.orderSet(side), id)
}

// GrantAccount marks this party as holding a trading account with the given
// currency authority.
func (a *MemoryAccount) GrantAccount(authority uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[authority] = true
}

// RevokeAccount withdraws a previously granted trading account.
func (a *MemoryAccount) RevokeAccount(authority uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants, authority)
}

func (a *MemoryAccount) HasAccountWith(authority uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants[authority]
}

func (a *MemoryAccount) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		balances: copyBalances(a.balances),
		buys:     copyIDSet(a.buys),
		sells:    copyIDSet(a.sells),
	}
}

// Restore replays a snapshot. The snapshot itself stays detached, so it can
// be restored more than once.
func (a *MemoryAccount) Restore(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances = copyBalances(s.balances)
	a.buys = copyIDSet(s.buys)
	a.sells = copyIDSet(s.sells)
}

// OnTrade installs the trade-result callback.
func (a *MemoryAccount) OnTrade(fn func(TradeResult)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTrade = fn
}

func (a *MemoryAccount) NotifyTrade(r TradeResult) {
	a.mu.Lock()
	fn := a.onTrade
	a.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// MemoryDirectory is the in-process Directory implementation. It also
// implements store.Registrar so order-id bookkeeping flows straight from the
// order store into the owning party.
type MemoryDirectory struct {
	mu      sync.RWMutex
	parties map[uuid.UUID]Party
	owners  map[uuid.UUID]uuid.UUID // currency -> owning party id
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		parties: make(map[uuid.UUID]Party),
		owners:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Add registers a party under its own id.
func (d *MemoryDirectory) Add(p Party) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parties[p.ID()] = p
}

// Remove drops a party, simulating an issuer vanishing from the host.
func (d *MemoryDirectory) Remove(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.parties, id)
}

// SetCurrencyOwner declares the circulation-issuing authority for a currency.
func (d *MemoryDirectory) SetCurrencyOwner(currency, owner uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[currency] = owner
}

func (d *MemoryDirectory) Lookup(id uuid.UUID) (Party, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.parties[id]
	return p, ok
}

func (d *MemoryDirectory) CurrencyOwner(currency uuid.UUID) (Party, bool) {
	d.mu.RLock()
	ownerID, ok := d.owners[currency]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.Lookup(ownerID)
}

// OrderPlaced implements store.Registrar.
func (d *MemoryDirectory) OrderPlaced(issuer uuid.UUID, side store.Side, orderID int64) {
	if p, ok := d.Lookup(issuer); ok {
		p.AddOrderID(side, orderID)
	}
}

// OrderRemoved implements store.Registrar.
func (d *MemoryDirectory) OrderRemoved(issuer uuid.UUID, side store.Side, orderID int64) {
	if p, ok := d.Lookup(issuer); ok {
		p.RemoveOrderID(side, orderID)
	}
}
