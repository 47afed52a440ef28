package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNoTrades reports that no qualifying trade exists in the queried window.
var ErrNoTrades = errors.New("no trades in window")

// AppendTradeLog records one executed trade in the append-only audit log as
// part of the open batch.
func (s *Store) AppendTradeLog(e TradeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending()
	if err != nil {
		return err
	}

	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = tx.Exec(
		"INSERT INTO trade_logs (listing_uuid, category_id, timestamp, seller, buyer, price, currency_uuid, amount) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.Listing.String(), e.CategoryID, at.UnixNano(), e.Seller.String(), e.Buyer.String(), e.Price.String(), e.Currency.String(), e.Amount,
	)
	return err
}

// LastTradingPrice returns the price of the most recent trade for the
// currency and listing within the trailing window of days.
func (s *Store) LastTradingPrice(currency, listing uuid.UUID, days int) (decimal.Decimal, error) {
	var price string
	err := s.db.QueryRow(
		"SELECT price FROM trade_logs WHERE currency_uuid = ? AND listing_uuid = ? AND timestamp >= ? ORDER BY timestamp DESC, order_id DESC LIMIT 1",
		currency.String(), listing.String(), windowStart(days),
	).Scan(&price)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrNoTrades
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(price)
}

// LastTradingAverage returns the mean trade price over the trailing window.
// The mean is computed in exact decimal arithmetic from the logged prices.
func (s *Store) LastTradingAverage(currency, listing uuid.UUID, days int) (decimal.Decimal, error) {
	prices, err := s.windowPrices(currency, listing, days)
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(prices)))), nil
}

// HighestPoint returns the highest trade price over the trailing window.
func (s *Store) HighestPoint(currency, listing uuid.UUID, days int) (decimal.Decimal, error) {
	prices, err := s.windowPrices(currency, listing, days)
	if err != nil {
		return decimal.Zero, err
	}

	high := prices[0]
	for _, p := range prices[1:] {
		if p.GreaterThan(high) {
			high = p
		}
	}
	return high, nil
}

// LowestPoint returns the lowest trade price over the trailing window.
func (s *Store) LowestPoint(currency, listing uuid.UUID, days int) (decimal.Decimal, error) {
	prices, err := s.windowPrices(currency, listing, days)
	if err != nil {
		return decimal.Zero, err
	}

	low := prices[0]
	for _, p := range prices[1:] {
		if p.LessThan(low) {
			low = p
		}
	}
	return low, nil
}

// TradeLogEntries returns the audit-log rows for a currency and listing in
// the trailing window, oldest first.
func (s *Store) TradeLogEntries(currency, listing uuid.UUID, days int) ([]TradeLogEntry, error) {
	rows, err := s.db.Query(
		"SELECT order_id, listing_uuid, category_id, timestamp, seller, buyer, price, currency_uuid, amount FROM trade_logs WHERE currency_uuid = ? AND listing_uuid = ? AND timestamp >= ? ORDER BY timestamp ASC, order_id ASC",
		currency.String(), listing.String(), windowStart(days),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TradeLogEntry
	for rows.Next() {
		var (
			e                               TradeLogEntry
			listingRaw, sellerRaw, buyerRaw string
			priceRaw, currencyRaw           string
			ts                              int64
		)
		if err := rows.Scan(&e.ID, &listingRaw, &e.CategoryID, &ts, &sellerRaw, &buyerRaw, &priceRaw, &currencyRaw, &e.Amount); err != nil {
			return nil, err
		}
		if e.Listing, err = uuid.Parse(listingRaw); err != nil {
			return nil, err
		}
		if e.Seller, err = uuid.Parse(sellerRaw); err != nil {
			return nil, err
		}
		if e.Buyer, err = uuid.Parse(buyerRaw); err != nil {
			return nil, err
		}
		if e.Currency, err = uuid.Parse(currencyRaw); err != nil {
			return nil, err
		}
		if e.Price, err = decimal.NewFromString(priceRaw); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// windowPrices returns every logged price for the currency and listing in the
// trailing window, newest last. Returns ErrNoTrades when the window is empty.
func (s *Store) windowPrices(currency, listing uuid.UUID, days int) ([]decimal.Decimal, error) {
	rows, err := s.db.Query(
		"SELECT price FROM trade_logs WHERE currency_uuid = ? AND listing_uuid = ? AND timestamp >= ? ORDER BY timestamp ASC",
		currency.String(), listing.String(), windowStart(days),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, ErrNoTrades
	}
	return prices, nil
}

func windowStart(days int) int64 {
	return time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour).UnixNano()
}
