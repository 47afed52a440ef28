// Package settle orchestrates currency transfers and full trade settlement.
//
// There is no cross-party atomic primitive, so every transfer follows the
// compensating-transaction pattern: snapshot both parties, attempt the
// withdraw and the deposit, and restore both snapshots if any later step
// fails. The whole read-modify-write is serialized per engine, because the
// bound check and the write must be observed together.
package settle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bazaar/internal/ledger"
	"bazaar/internal/matcher"
	"bazaar/internal/party"
	"bazaar/internal/store"
)

// Result is the terminal outcome of one Send.
type Result int

const (
	OK Result = iota
	NoOwner
	WithdrawRefused
	DepositRefused
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case NoOwner:
		return "no owner"
	case WithdrawRefused:
		return "withdraw refused"
	case DepositRefused:
		return "deposit refused"
	}
	return "unknown"
}

// Engine moves currency between parties and applies matched trades to the
// order book.
type Engine struct {
	store   *store.Store
	matcher *matcher.Matcher
	ledger  *ledger.Ledger
	dir     party.Directory
	log     *zap.Logger

	// mu serializes every transfer and settlement against this engine.
	mu sync.Mutex

	tradeMu sync.Mutex
	onTrade []func(store.TradeLogEntry)
}

func NewEngine(st *store.Store, m *matcher.Matcher, l *ledger.Ledger, dir party.Directory, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, matcher: m, ledger: l, dir: dir, log: log}
}

// OnTrade registers a callback invoked after each successfully settled and
// committed trade.
func (e *Engine) OnTrade(fn func(store.TradeLogEntry)) {
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	e.onTrade = append(e.onTrade, fn)
}

func (e *Engine) notifyTrade(entry store.TradeLogEntry) {
	e.tradeMu.Lock()
	fns := e.onTrade
	e.tradeMu.Unlock()
	for _, fn := range fns {
		fn(entry)
	}
}

// Send transfers amount of currency from one party to the other. A nil party
// stands in for the currency's owning authority, which lets an entity mint or
// sink value when trading directly against the system. On any refusal both
// parties are restored to their exact prior state.
func (e *Engine) Send(from, to party.Party, amount decimal.Decimal, currency uuid.UUID) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.send(from, to, amount, currency)
}

// send requires e.mu.
func (e *Engine) send(from, to party.Party, amount decimal.Decimal, currency uuid.UUID) Result {
	if amount.IsNegative() {
		return NoOwner
	}
	owner, ok := e.dir.CurrencyOwner(currency)
	if !ok {
		return NoOwner
	}
	if from == nil {
		from = owner
	}
	if to == nil {
		to = owner
	}

	// The owning authority mints and sinks: when it is the withdrawing side
	// its balance may run negative, down to the configured minimum. Ordinary
	// parties stop at zero.
	allowNegative := from.ID() == owner.ID()

	fromSnap := from.Snapshot()
	toSnap := to.Snapshot()
	restore := func() {
		from.Restore(fromSnap)
		to.Restore(toSnap)
	}

	// A panic mid-transfer must leave both parties exactly as a refusal
	// would: restore, then let it propagate.
	defer func() {
		if r := recover(); r != nil {
			restore()
			panic(r)
		}
	}()

	if !e.ledger.Withdraw(from, amount, currency, allowNegative) {
		restore()
		return WithdrawRefused
	}
	if !e.ledger.Deposit(to, amount, currency) {
		restore()
		return DepositRefused
	}
	return OK
}

// SettleTrade applies one matched pair: it re-validates both parties, moves
// the currency, adjusts or removes the matched orders, and appends the trade
// log. Any validation or transfer failure cancels the implicated order(s)
// instead of blocking the book; the counter-order survives for the next
// cycle unless both sides are implicated.
func (e *Engine) SettleTrade(info *matcher.TradeInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seller, sok := e.dir.Lookup(info.Seller)
	buyer, bok := e.dir.Lookup(info.Buyer)
	if !sok || !bok {
		// The listing or a party vanished: the only case where both sides
		// are cancelled without attempting settlement.
		e.log.Info("settlement party vanished",
			zap.Stringer("seller", info.Seller),
			zap.Stringer("buyer", info.Buyer))
		return e.cancelBoth(info, seller, buyer, party.OutcomeMissingParty)
	}

	owner, ok := e.dir.CurrencyOwner(info.Currency)
	if !ok {
		e.log.Warn("settlement currency has no owner", zap.Stringer("currency", info.Currency))
		return e.cancelBoth(info, seller, buyer, party.OutcomeMissingCurrency)
	}
	authority := owner.ID()

	cancelled := false
	if !seller.HasAccountWith(authority) {
		e.cancelOrder(info.SellOrderID, store.Sell)
		e.notify(party.OutcomeMissingAccount, info, seller, buyer)
		cancelled = true
	}
	if !buyer.HasAccountWith(authority) {
		e.cancelOrder(info.BuyOrderID, store.Buy)
		e.notify(party.OutcomeMissingAccount, info, seller, buyer)
		cancelled = true
	}
	if cancelled {
		return e.store.Commit()
	}

	// Defends against a cancellation racing the peek: the peeked pair may be
	// stale by the time settlement runs.
	if !seller.HasOrder(store.Sell, info.SellOrderID) {
		e.cancelOrder(info.SellOrderID, store.Sell)
		e.notify(party.OutcomeStaleOrder, info, seller, buyer)
		cancelled = true
	}
	if !buyer.HasOrder(store.Buy, info.BuyOrderID) {
		e.cancelOrder(info.BuyOrderID, store.Buy)
		e.notify(party.OutcomeStaleOrder, info, seller, buyer)
		cancelled = true
	}
	if cancelled {
		return e.store.Commit()
	}

	// The resting ask's price wins.
	cost := info.AskPrice.Mul(decimal.NewFromInt(info.Amount))

	buySnap := buyer.Snapshot()
	sellSnap := seller.Snapshot()

	switch res := e.send(buyer, seller, cost, info.Currency); res {
	case NoOwner:
		return e.cancelBoth(info, seller, buyer, party.OutcomeMissingCurrency)
	case WithdrawRefused:
		e.cancelOrder(info.BuyOrderID, store.Buy)
		e.notify(party.OutcomeWithdrawRefused, info, seller, buyer)
		return e.store.Commit()
	case DepositRefused:
		e.cancelOrder(info.SellOrderID, store.Sell)
		e.notify(party.OutcomeDepositRefused, info, seller, buyer)
		return e.store.Commit()
	case OK:
	default:
		return fmt.Errorf("unexpected send result %v", res)
	}

	entry := store.TradeLogEntry{
		Listing:    info.Listing,
		CategoryID: info.CategoryID,
		Seller:     info.Seller,
		Buyer:      info.Buyer,
		Price:      info.AskPrice,
		Currency:   info.Currency,
		Amount:     info.Amount,
		CreatedAt:  time.Now().UTC(),
	}

	// Order mutations happen only after the transfer succeeded; a storage
	// failure here rolls the batch back and restores both mementos so the
	// ledger and the book never diverge.
	err := e.applyFill(info)
	if err == nil {
		err = e.store.AppendTradeLog(entry)
	}
	if err == nil {
		err = e.store.Commit()
	}
	if err != nil {
		e.store.Rollback()
		buyer.Restore(buySnap)
		seller.Restore(sellSnap)
		return err
	}

	e.notify(party.OutcomeSuccess, info, seller, buyer)
	e.notifyTrade(entry)
	e.log.Info("trade settled",
		zap.Int64("sell_order", info.SellOrderID),
		zap.Int64("buy_order", info.BuyOrderID),
		zap.String("price", info.AskPrice.String()),
		zap.Int64("amount", info.Amount))
	return nil
}

// applyFill decrements or removes the matched orders by the traded amount.
func (e *Engine) applyFill(info *matcher.TradeInfo) error {
	if info.Amount >= info.SellRemaining {
		if err := e.store.CancelOrder(info.SellOrderID, store.Sell, nil); err != nil {
			return err
		}
	} else {
		if err := e.store.EditOrder(info.SellOrderID, store.Sell, info.SellRemaining-info.Amount); err != nil {
			return err
		}
	}

	if info.Amount >= info.BuyAmount {
		if err := e.store.CancelOrder(info.BuyOrderID, store.Buy, nil); err != nil {
			return err
		}
	} else {
		if err := e.store.EditOrder(info.BuyOrderID, store.Buy, info.BuyAmount-info.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cancelBoth(info *matcher.TradeInfo, seller, buyer party.Party, outcome party.TradeOutcome) error {
	e.cancelOrder(info.SellOrderID, store.Sell)
	e.cancelOrder(info.BuyOrderID, store.Buy)
	e.notify(outcome, info, seller, buyer)
	return e.store.Commit()
}

func (e *Engine) cancelOrder(id int64, side store.Side) {
	if err := e.store.CancelOrder(id, side, nil); err != nil {
		e.log.Error("order cancel failed",
			zap.Int64("order", id),
			zap.Stringer("side", side),
			zap.Error(err))
	}
}

func (e *Engine) notify(outcome party.TradeOutcome, info *matcher.TradeInfo, parties ...party.Party) {
	r := party.TradeResult{Outcome: outcome, Trade: info}
	for _, p := range parties {
		if p != nil {
			p.NotifyTrade(r)
		}
	}
}

// SettleNext peeks the best crossable pair and settles it. It reports
// whether a pair was found, so the driving loop knows to re-invoke
// immediately rather than idle.
func (e *Engine) SettleNext() (bool, error) {
	var info *matcher.TradeInfo
	if err := e.matcher.PeekMatchingOrders(func(ti *matcher.TradeInfo) { info = ti }); err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	if err := e.SettleTrade(info); err != nil {
		return false, err
	}
	return true, nil
}
