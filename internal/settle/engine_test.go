package settle

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bazaar/internal/ledger"
	"bazaar/internal/matcher"
	"bazaar/internal/party"
	"bazaar/internal/store"
)

type fixture struct {
	engine    *Engine
	store     *store.Store
	ledger    *ledger.Ledger
	dir       *party.MemoryDirectory
	authority *party.MemoryAccount
	currency  uuid.UUID
	listing   uuid.UUID
}

func setupEngine(t *testing.T, limits ledger.Limits) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bazaar-test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := party.NewMemoryDirectory()
	st.SetRegistrar(dir)

	currency := uuid.New()
	authority := party.NewMemoryAccount(uuid.New())
	authority.GrantAccount(authority.ID())
	dir.Add(authority)
	dir.SetCurrencyOwner(currency, authority.ID())

	l := ledger.New(limits)
	m := matcher.New(st, nil)
	return &fixture{
		engine:    NewEngine(st, m, l, dir, nil),
		store:     st,
		ledger:    l,
		dir:       dir,
		authority: authority,
		currency:  currency,
		listing:   uuid.New(),
	}
}

func (f *fixture) newTrader(t *testing.T) *party.MemoryAccount {
	t.Helper()
	p := party.NewMemoryAccount(uuid.New())
	p.GrantAccount(f.authority.ID())
	f.dir.Add(p)
	return p
}

func (f *fixture) placeOrder(t *testing.T, side store.Side, issuer uuid.UUID, price string, stock int64) int64 {
	t.Helper()
	id, err := f.store.AddOrder(f.listing, "blocks", side, issuer, dec(t, price), f.currency, stock, false)
	if err != nil {
		t.Fatalf("AddOrder failed: %v", err)
	}
	if err := f.store.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", v, err)
	}
	return d
}

func assertBalance(t *testing.T, p party.Party, currency uuid.UUID, want string) {
	t.Helper()
	if got := p.Balance(currency); !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("expected balance %s, got %s", want, got)
	}
}

func assertOrderGone(t *testing.T, st *store.Store, id int64, side store.Side) {
	t.Helper()
	if _, err := st.GetInfo(id, side); !errors.Is(err, store.ErrOrderNotFound) {
		t.Errorf("expected order %d (%s) to be gone, got %v", id, side, err)
	}
}

func collectOutcomes(p *party.MemoryAccount) *[]party.TradeOutcome {
	var outcomes []party.TradeOutcome
	p.OnTrade(func(r party.TradeResult) { outcomes = append(outcomes, r.Outcome) })
	return &outcomes
}

func TestFullFillSettlement(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "1000"))

	sellerOutcomes := collectOutcomes(seller)
	buyerOutcomes := collectOutcomes(buyer)

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "120", 5)

	matched, err := f.engine.SettleNext()
	if err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}
	if !matched {
		t.Fatal("expected a settled trade")
	}

	// The trade executes at the resting ask price, not the bid.
	assertBalance(t, seller, f.currency, "500")
	assertBalance(t, buyer, f.currency, "500")
	assertOrderGone(t, f.store, sellID, store.Sell)
	assertOrderGone(t, f.store, buyID, store.Buy)
	if seller.HasOrder(store.Sell, sellID) || buyer.HasOrder(store.Buy, buyID) {
		t.Error("expected the filled order ids to be dropped from both parties")
	}

	entries, err := f.store.TradeLogEntries(f.currency, f.listing, 7)
	if err != nil {
		t.Fatalf("TradeLogEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one trade log entry, got %d", len(entries))
	}
	entry := entries[0]
	if !entry.Price.Equal(dec(t, "100")) || entry.Amount != 5 {
		t.Errorf("expected trade 5 @ 100, got %d @ %s", entry.Amount, entry.Price)
	}
	if entry.Seller != seller.ID() || entry.Buyer != buyer.ID() {
		t.Error("trade log entry names the wrong parties")
	}

	for _, got := range [][]party.TradeOutcome{*sellerOutcomes, *buyerOutcomes} {
		if len(got) != 1 || got[0] != party.OutcomeSuccess {
			t.Errorf("expected a single success outcome, got %v", got)
		}
	}

	if matched, err := f.engine.SettleNext(); err != nil || matched {
		t.Errorf("expected no further match, got matched=%v err=%v", matched, err)
	}
}

func TestSettlementConservesCurrency(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	seller.SetBalance(f.currency, dec(t, "250"))
	buyer.SetBalance(f.currency, dec(t, "750"))

	f.placeOrder(t, store.Sell, seller.ID(), "33.07", 3)
	f.placeOrder(t, store.Buy, buyer.ID(), "40", 3)

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	total := seller.Balance(f.currency).Add(buyer.Balance(f.currency))
	if !total.Equal(dec(t, "1000")) {
		t.Errorf("settlement must conserve currency, total drifted to %s", total)
	}
	assertBalance(t, seller, f.currency, "349.21")
}

func TestPartialFillKeepsSellOrder(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "1000"))

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 20)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	rest, err := f.store.GetInfo(sellID, store.Sell)
	if err != nil {
		t.Fatalf("expected the sell order to survive, got %v", err)
	}
	if rest.Amount != 15 {
		t.Errorf("expected sell remainder 15, got %d", rest.Amount)
	}
	if rest.MaxAmount != 20 {
		t.Errorf("partial fill must not touch the maximum, got %d", rest.MaxAmount)
	}
	assertOrderGone(t, f.store, buyID, store.Buy)
	if !seller.HasOrder(store.Sell, sellID) {
		t.Error("seller must still hold the partially filled order id")
	}
	assertBalance(t, seller, f.currency, "500")
	assertBalance(t, buyer, f.currency, "500")
}

func TestMissingPartyCancelsBothOrders(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "1000"))
	buyerOutcomes := collectOutcomes(buyer)

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	f.dir.Remove(seller.ID())

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	assertOrderGone(t, f.store, sellID, store.Sell)
	assertOrderGone(t, f.store, buyID, store.Buy)
	assertBalance(t, buyer, f.currency, "1000")
	if got := *buyerOutcomes; len(got) != 1 || got[0] != party.OutcomeMissingParty {
		t.Errorf("expected a missing-party outcome for the surviving party, got %v", got)
	}
}

func TestMissingCurrencyOwnerCancelsBothOrders(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "1000"))

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	f.dir.Remove(f.authority.ID())

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	assertOrderGone(t, f.store, sellID, store.Sell)
	assertOrderGone(t, f.store, buyID, store.Buy)
	assertBalance(t, buyer, f.currency, "1000")
}

func TestMissingAccountCancelsOnlyThatSide(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "1000"))

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	buyer.RevokeAccount(f.authority.ID())

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	assertOrderGone(t, f.store, buyID, store.Buy)
	if _, err := f.store.GetInfo(sellID, store.Sell); err != nil {
		t.Errorf("the account-holding side must keep its order, got %v", err)
	}
	assertBalance(t, buyer, f.currency, "1000")
	assertBalance(t, seller, f.currency, "0")
}

func TestStaleOrderCancelsOnlyThatSide(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "1000"))

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	// The party no longer recognises the order id, as after a cancellation
	// that raced the peek.
	buyer.RemoveOrderID(store.Buy, buyID)

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	assertOrderGone(t, f.store, buyID, store.Buy)
	if _, err := f.store.GetInfo(sellID, store.Sell); err != nil {
		t.Errorf("the fresh side must keep its order, got %v", err)
	}
	assertBalance(t, buyer, f.currency, "1000")
}

func TestWithdrawRefusedCancelsBuySide(t *testing.T) {
	f := setupEngine(t, ledger.Limits{Min: decimal.Zero, Max: dec(t, "1000000")})
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	buyer.SetBalance(f.currency, dec(t, "50"))
	buyerOutcomes := collectOutcomes(buyer)

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	assertOrderGone(t, f.store, buyID, store.Buy)
	if _, err := f.store.GetInfo(sellID, store.Sell); err != nil {
		t.Errorf("the solvent side must keep its order, got %v", err)
	}
	assertBalance(t, buyer, f.currency, "50")
	assertBalance(t, seller, f.currency, "0")
	if got := *buyerOutcomes; len(got) != 1 || got[0] != party.OutcomeWithdrawRefused {
		t.Errorf("expected a withdraw-refused outcome, got %v", got)
	}
}

func TestDepositRefusedCancelsSellSide(t *testing.T) {
	f := setupEngine(t, ledger.Limits{Min: dec(t, "-1000000"), Max: dec(t, "600")})
	seller := f.newTrader(t)
	buyer := f.newTrader(t)
	seller.SetBalance(f.currency, dec(t, "550"))
	buyer.SetBalance(f.currency, dec(t, "500"))
	sellerOutcomes := collectOutcomes(seller)

	sellID := f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	buyID := f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}

	assertOrderGone(t, f.store, sellID, store.Sell)
	if _, err := f.store.GetInfo(buyID, store.Buy); err != nil {
		t.Errorf("the receivable side must keep its order, got %v", err)
	}
	// The withdraw succeeded before the deposit was refused; both must be
	// rolled back.
	assertBalance(t, buyer, f.currency, "500")
	assertBalance(t, seller, f.currency, "550")
	if got := *sellerOutcomes; len(got) != 1 || got[0] != party.OutcomeDepositRefused {
		t.Errorf("expected a deposit-refused outcome, got %v", got)
	}
}

func TestSettleNextWithEmptyBook(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())

	matched, err := f.engine.SettleNext()
	if err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}
	if matched {
		t.Error("expected no match on an empty book")
	}
}

func TestOnTradeFiresOnlyAfterSuccess(t *testing.T) {
	f := setupEngine(t, ledger.Limits{Min: decimal.Zero, Max: dec(t, "1000000")})
	seller := f.newTrader(t)
	buyer := f.newTrader(t)

	var trades []store.TradeLogEntry
	f.engine.OnTrade(func(e store.TradeLogEntry) { trades = append(trades, e) })

	f.placeOrder(t, store.Sell, seller.ID(), "100", 5)
	f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)

	// First cycle refuses the withdraw and cancels the buy order.
	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("refused settlement must not report a trade, got %d", len(trades))
	}

	buyer.SetBalance(f.currency, dec(t, "500"))
	f.placeOrder(t, store.Buy, buyer.ID(), "100", 5)
	if _, err := f.engine.SettleNext(); err != nil {
		t.Fatalf("SettleNext failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected one reported trade, got %d", len(trades))
	}
	if trades[0].Amount != 5 || !trades[0].Price.Equal(dec(t, "100")) {
		t.Errorf("expected trade 5 @ 100, got %d @ %s", trades[0].Amount, trades[0].Price)
	}
}

func TestSendBetweenParties(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	from := f.newTrader(t)
	to := f.newTrader(t)
	from.SetBalance(f.currency, dec(t, "100"))

	if res := f.engine.Send(from, to, dec(t, "40"), f.currency); res != OK {
		t.Fatalf("expected ok, got %v", res)
	}
	assertBalance(t, from, f.currency, "60")
	assertBalance(t, to, f.currency, "40")
}

func TestSendNilPartySubstitutesOwner(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	to := f.newTrader(t)

	if res := f.engine.Send(nil, to, dec(t, "100"), f.currency); res != OK {
		t.Fatalf("expected ok, got %v", res)
	}
	assertBalance(t, to, f.currency, "100")
	assertBalance(t, f.authority, f.currency, "-100")
}

func TestSendFromAuthorityMayOverdraw(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	to := f.newTrader(t)

	// The authority mints even when named explicitly, not only via nil
	// substitution.
	if res := f.engine.Send(f.authority, to, dec(t, "250"), f.currency); res != OK {
		t.Fatalf("expected ok, got %v", res)
	}
	assertBalance(t, to, f.currency, "250")
	assertBalance(t, f.authority, f.currency, "-250")
}

func TestSendOrdinaryPartyStopsAtZero(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	from := f.newTrader(t)
	to := f.newTrader(t)
	from.SetBalance(f.currency, dec(t, "50"))

	if res := f.engine.Send(from, to, dec(t, "100"), f.currency); res != WithdrawRefused {
		t.Fatalf("expected withdraw refused, got %v", res)
	}
	assertBalance(t, from, f.currency, "50")
	assertBalance(t, to, f.currency, "0")
}

func TestSendRefusalRestoresBothParties(t *testing.T) {
	f := setupEngine(t, ledger.Limits{Min: decimal.Zero, Max: dec(t, "1000000")})
	from := f.newTrader(t)
	to := f.newTrader(t)
	from.SetBalance(f.currency, dec(t, "50"))

	if res := f.engine.Send(from, to, dec(t, "100"), f.currency); res != WithdrawRefused {
		t.Fatalf("expected withdraw refused, got %v", res)
	}
	assertBalance(t, from, f.currency, "50")
	assertBalance(t, to, f.currency, "0")
}

// panickyParty fails on the first balance write, as a party whose backing
// state vanished mid-transfer would.
type panickyParty struct {
	*party.MemoryAccount
}

func (p *panickyParty) SetBalance(currency uuid.UUID, amount decimal.Decimal) {
	panic("account backend lost")
}

func TestSendRestoresBothPartiesOnPanic(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	from := f.newTrader(t)
	to := &panickyParty{party.NewMemoryAccount(uuid.New())}
	to.GrantAccount(f.authority.ID())
	f.dir.Add(to)
	from.SetBalance(f.currency, dec(t, "100"))

	defer func() {
		if recover() == nil {
			t.Fatal("expected the transfer panic to propagate")
		}
		assertBalance(t, from, f.currency, "100")
	}()
	f.engine.Send(from, to, dec(t, "40"), f.currency)
}

func TestSendUnknownCurrency(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	from := f.newTrader(t)
	to := f.newTrader(t)

	if res := f.engine.Send(from, to, dec(t, "10"), uuid.New()); res != NoOwner {
		t.Errorf("expected no owner, got %v", res)
	}
}

func TestSendNegativeAmount(t *testing.T) {
	f := setupEngine(t, ledger.DefaultLimits())
	from := f.newTrader(t)
	to := f.newTrader(t)
	from.SetBalance(f.currency, dec(t, "100"))

	if res := f.engine.Send(from, to, dec(t, "-10"), f.currency); res == OK {
		t.Error("a negative amount must never transfer")
	}
	assertBalance(t, from, f.currency, "100")
}
