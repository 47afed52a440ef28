package matcher

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bazaar/internal/store"
)

func setupMatcher(t *testing.T) (*Matcher, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bazaar-test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil), st
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", v, err)
	}
	return d
}

func addOrder(t *testing.T, st *store.Store, listing uuid.UUID, side store.Side, price string, currency uuid.UUID, stock int64) int64 {
	t.Helper()
	id, err := st.AddOrder(listing, "blocks", side, uuid.New(), dec(t, price), currency, stock, false)
	if err != nil {
		t.Fatalf("AddOrder failed: %v", err)
	}
	return id
}

func commit(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func peek(t *testing.T, m *Matcher) *TradeInfo {
	t.Helper()
	var info *TradeInfo
	if err := m.PeekMatchingOrders(func(ti *TradeInfo) { info = ti }); err != nil {
		t.Fatalf("PeekMatchingOrders failed: %v", err)
	}
	return info
}

func TestNoSellOrdersMeansNoMatch(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	addOrder(t, st, listing, store.Buy, "100", currency, 5)
	commit(t, st)

	if info := peek(t, m); info != nil {
		t.Errorf("expected no match with an empty sell side, got %+v", info)
	}
}

func TestBidBelowEveryAskMeansNoMatch(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	addOrder(t, st, listing, store.Sell, "100", currency, 5)
	addOrder(t, st, listing, store.Buy, "99", currency, 5)
	commit(t, st)

	if info := peek(t, m); info != nil {
		t.Errorf("expected no match when every bid is under the ask, got %+v", info)
	}
}

func TestPricePriority(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	addOrder(t, st, listing, store.Sell, "12", currency, 5)
	cheap := addOrder(t, st, listing, store.Sell, "10", currency, 5)
	addOrder(t, st, listing, store.Buy, "11", currency, 5)
	commit(t, st)

	info := peek(t, m)
	if info == nil {
		t.Fatal("expected a match")
	}
	if info.SellOrderID != cheap {
		t.Errorf("expected cheapest ask %d, got %d", cheap, info.SellOrderID)
	}
	if !info.AskPrice.Equal(dec(t, "10")) {
		t.Errorf("expected ask price 10, got %s", info.AskPrice)
	}
}

func TestTimePriorityAmongEqualAsks(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	first := addOrder(t, st, listing, store.Sell, "10", currency, 5)
	time.Sleep(2 * time.Millisecond)
	addOrder(t, st, listing, store.Sell, "10", currency, 5)
	addOrder(t, st, listing, store.Buy, "10", currency, 5)
	commit(t, st)

	info := peek(t, m)
	if info == nil {
		t.Fatal("expected a match")
	}
	if info.SellOrderID != first {
		t.Errorf("expected earlier ask %d, got %d", first, info.SellOrderID)
	}
}

func TestStrictTimePriorityAmongBids(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	addOrder(t, st, listing, store.Sell, "10", currency, 5)
	early := addOrder(t, st, listing, store.Buy, "10", currency, 5)
	time.Sleep(2 * time.Millisecond)
	addOrder(t, st, listing, store.Buy, "50", currency, 5)
	commit(t, st)

	info := peek(t, m)
	if info == nil {
		t.Fatal("expected a match")
	}
	if info.BuyOrderID != early {
		t.Errorf("a later, higher bid must not jump an earlier qualifying bid: expected %d, got %d", early, info.BuyOrderID)
	}
}

func TestOrdersInDifferentCurrenciesNeverMatch(t *testing.T) {
	m, st := setupMatcher(t)
	listing := uuid.New()
	gold, gems := uuid.New(), uuid.New()

	addOrder(t, st, listing, store.Sell, "10", gold, 5)
	addOrder(t, st, listing, store.Buy, "100", gems, 5)
	commit(t, st)

	if info := peek(t, m); info != nil {
		t.Errorf("orders in different currencies must not match, got %+v", info)
	}
}

func TestTradedAmountIsMinimum(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	addOrder(t, st, listing, store.Sell, "10", currency, 20)
	addOrder(t, st, listing, store.Buy, "10", currency, 5)
	commit(t, st)

	info := peek(t, m)
	if info == nil {
		t.Fatal("expected a match")
	}
	if info.Amount != 5 {
		t.Errorf("expected traded amount 5, got %d", info.Amount)
	}
	if info.SellRemaining != 20 || info.BuyAmount != 5 {
		t.Errorf("expected sell remaining 20 and buy amount 5, got %d/%d", info.SellRemaining, info.BuyAmount)
	}
}

func TestPeekDoesNotMutateTheBook(t *testing.T) {
	m, st := setupMatcher(t)
	listing, currency := uuid.New(), uuid.New()

	sell := addOrder(t, st, listing, store.Sell, "10", currency, 5)
	buy := addOrder(t, st, listing, store.Buy, "10", currency, 5)
	commit(t, st)

	peek(t, m)
	peek(t, m)

	if _, err := st.GetInfo(sell, store.Sell); err != nil {
		t.Errorf("sell order must survive a peek, got %v", err)
	}
	if _, err := st.GetInfo(buy, store.Buy); err != nil {
		t.Errorf("buy order must survive a peek, got %v", err)
	}
}

func TestPeekListingIsScoped(t *testing.T) {
	m, st := setupMatcher(t)
	wanted, other := uuid.New(), uuid.New()
	currency := uuid.New()

	addOrder(t, st, other, store.Sell, "1", currency, 5)
	addOrder(t, st, other, store.Buy, "1", currency, 5)
	sell := addOrder(t, st, wanted, store.Sell, "10", currency, 5)
	addOrder(t, st, wanted, store.Buy, "10", currency, 5)
	commit(t, st)

	var info *TradeInfo
	if err := m.PeekListing(currency, wanted, func(ti *TradeInfo) { info = ti }); err != nil {
		t.Fatalf("PeekListing failed: %v", err)
	}
	if info == nil {
		t.Fatal("expected a match in the scoped listing")
	}
	if info.SellOrderID != sell {
		t.Errorf("expected scoped ask %d, got %d", sell, info.SellOrderID)
	}
}
