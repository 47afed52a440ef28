// Package matcher finds the best crossable buy/sell pair in the order book.
// A peek is read-only: applying the resulting trade (partial decrement or
// removal of the matched orders) is the settlement engine's job, and only
// after settlement succeeds.
package matcher

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bazaar/internal/store"
)

// TradeInfo is an immutable proposal for one trade: the matched sell and buy
// orders, the traded amount, and the unit of account. It is produced here and
// consumed by the settlement engine; it is never persisted before settlement
// succeeds.
type TradeInfo struct {
	SellOrderID   int64
	Seller        uuid.UUID
	AskPrice      decimal.Decimal
	SellRemaining int64

	BuyOrderID int64
	Buyer      uuid.UUID
	BidPrice   decimal.Decimal
	BuyAmount  int64

	// Amount is min(sell remaining, buy amount); the trade executes at the
	// ask price.
	Amount int64

	Currency   uuid.UUID
	Listing    uuid.UUID
	CategoryID int64
}

// Matcher computes crossable pairs over the committed order book.
type Matcher struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{store: st, log: log}
}

// PeekMatchingOrders finds the single best crossable pair across the whole
// book and passes it to consumer, or passes nil when nothing crosses.
//
// The candidate ask is the cheapest sell order anywhere (earliest creation
// breaks price ties). The candidate bid is the earliest-created buy order in
// the same currency and listing whose price meets the ask: strict time
// priority, so a later, higher bid never jumps an earlier qualifying one.
func (m *Matcher) PeekMatchingOrders(consumer func(*TradeInfo)) error {
	ask, err := m.store.LowestAskAny()
	if errors.Is(err, store.ErrOrderNotFound) {
		consumer(nil)
		return nil
	}
	if err != nil {
		return err
	}
	return m.cross(ask, consumer)
}

// PeekListing is PeekMatchingOrders scoped to one currency and listing.
func (m *Matcher) PeekListing(currency, listing uuid.UUID, consumer func(*TradeInfo)) error {
	ask, err := m.store.LowestAsk(currency, listing)
	if errors.Is(err, store.ErrOrderNotFound) {
		consumer(nil)
		return nil
	}
	if err != nil {
		return err
	}
	return m.cross(ask, consumer)
}

func (m *Matcher) cross(ask *store.Order, consumer func(*TradeInfo)) error {
	bid, err := m.store.EarliestCrossingBid(ask.Currency, ask.Listing, ask.Price)
	if errors.Is(err, store.ErrOrderNotFound) {
		consumer(nil)
		return nil
	}
	if err != nil {
		return err
	}

	info := &TradeInfo{
		SellOrderID:   ask.ID,
		Seller:        ask.Issuer,
		AskPrice:      ask.Price,
		SellRemaining: ask.Amount,
		BuyOrderID:    bid.ID,
		Buyer:         bid.Issuer,
		BidPrice:      bid.Price,
		BuyAmount:     bid.Amount,
		Amount:        min(ask.Amount, bid.Amount),
		Currency:      ask.Currency,
		Listing:       ask.Listing,
		CategoryID:    ask.CategoryID,
	}

	m.log.Debug("crossable pair found",
		zap.Int64("sell_order", info.SellOrderID),
		zap.Int64("buy_order", info.BuyOrderID),
		zap.String("ask", info.AskPrice.String()),
		zap.Int64("amount", info.Amount))

	consumer(info)
	return nil
}
