package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidPrice  = errors.New("order price must be positive")
	ErrInvalidStock  = errors.New("order stock must be positive")
	ErrOrderNotFound = errors.New("order not found")
	ErrAmountRange   = errors.New("order amount out of range")
)

// AllCategories scopes a listed-orders view to every category.
const AllCategories int64 = -1

const orderCols = "order_id, side, listing_uuid, category_id, timestamp, issuer, price, currency_uuid, amount, maximum, temp"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*Order, error) {
	var (
		o        Order
		side     int
		listing  string
		issuer   string
		price    string
		currency string
		ts       int64
		temp     int
	)
	err := r.Scan(&o.ID, &side, &listing, &o.CategoryID, &ts, &issuer, &price, &currency, &o.Amount, &o.MaxAmount, &temp)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if o.Side, err = SideFromCode(side); err != nil {
		return nil, err
	}
	if o.Listing, err = uuid.Parse(listing); err != nil {
		return nil, err
	}
	if o.Issuer, err = uuid.Parse(issuer); err != nil {
		return nil, err
	}
	if o.Currency, err = uuid.Parse(currency); err != nil {
		return nil, err
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(0, ts).UTC()
	o.Temporary = temp != 0
	return &o, nil
}

// AddOrder validates and inserts a new resting order and assigns its id. The
// insert is part of the open batch and is not visible to readers until
// Commit, which also records the id against the issuer via the registrar.
func (s *Store) AddOrder(listing uuid.UUID, category string, side Side, issuer uuid.UUID, price decimal.Decimal, currency uuid.UUID, stock int64, temporary bool) (int64, error) {
	if !price.IsPositive() {
		return 0, ErrInvalidPrice
	}
	if stock <= 0 {
		return 0, ErrInvalidStock
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending()
	if err != nil {
		return 0, err
	}

	categoryID, err := s.resolveCategory(tx, category)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		"INSERT INTO orders (side, listing_uuid, category_id, timestamp, issuer, price, currency_uuid, amount, maximum, temp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		side.Code(), listing.String(), categoryID, now.UnixNano(), issuer.String(), price.String(), currency.String(), stock, stock, boolInt(temporary),
	)
	if err != nil {
		s.log.Error("order insert failed",
			zap.Stringer("listing", listing),
			zap.Stringer("issuer", issuer),
			zap.Error(err))
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if r := s.registrar; r != nil {
		s.pendingReg = append(s.pendingReg, func() { r.OrderPlaced(issuer, side, id) })
	}
	return id, nil
}

// CancelOrder deletes the order if it exists. The callback receives the order
// id on deletion and 0 when nothing matched, which makes cancellation of an
// unknown order a signalled no-op rather than an error.
func (s *Store) CancelOrder(id int64, side Side, fn func(int64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending()
	if err != nil {
		return err
	}

	var issuer string
	err = tx.QueryRow("SELECT issuer FROM orders WHERE order_id = ? AND side = ?", id, side.Code()).Scan(&issuer)
	if err == sql.ErrNoRows {
		if fn != nil {
			fn(0)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM orders WHERE order_id = ? AND side = ?", id, side.Code()); err != nil {
		return err
	}

	if r := s.registrar; r != nil {
		if issuerID, perr := uuid.Parse(issuer); perr == nil {
			s.pendingReg = append(s.pendingReg, func() { r.OrderRemoved(issuerID, side, id) })
		}
	}
	if fn != nil {
		fn(id)
	}
	return nil
}

// EditOrder overwrites the remaining amount of an order, used exclusively for
// partial-fill bookkeeping. The new amount must stay within (0, maximum]; a
// fully consumed order is cancelled, not edited to zero.
func (s *Store) EditOrder(id int64, side Side, amount int64) error {
	if amount <= 0 {
		return ErrAmountRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending()
	if err != nil {
		return err
	}

	var maximum int64
	err = tx.QueryRow("SELECT maximum FROM orders WHERE order_id = ? AND side = ?", id, side.Code()).Scan(&maximum)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if amount > maximum {
		return ErrAmountRange
	}

	_, err = tx.Exec("UPDATE orders SET amount = ? WHERE order_id = ? AND side = ?", amount, id, side.Code())
	return err
}

// GetInfo returns the committed order with the given id and side.
func (s *Store) GetInfo(id int64, side Side) (*Order, error) {
	row := s.db.QueryRow(
		"SELECT "+orderCols+" FROM orders WHERE order_id = ? AND side = ?",
		id, side.Code(),
	)
	return scanOrder(row)
}

// LowestAsk returns the cheapest committed sell order for one currency and
// listing; equal prices are broken by earliest creation, then lowest id.
func (s *Store) LowestAsk(currency, listing uuid.UUID) (*Order, error) {
	row := s.db.QueryRow(
		"SELECT "+orderCols+" FROM orders WHERE side = ? AND currency_uuid = ? AND listing_uuid = ? ORDER BY CAST(price AS REAL) ASC, timestamp ASC, order_id ASC LIMIT 1",
		Sell.Code(), currency.String(), listing.String(),
	)
	return scanOrder(row)
}

// HighestBid returns the best committed buy order for one currency and
// listing; equal prices are broken by earliest creation, then lowest id.
func (s *Store) HighestBid(currency, listing uuid.UUID) (*Order, error) {
	row := s.db.QueryRow(
		"SELECT "+orderCols+" FROM orders WHERE side = ? AND currency_uuid = ? AND listing_uuid = ? ORDER BY CAST(price AS REAL) DESC, timestamp ASC, order_id ASC LIMIT 1",
		Buy.Code(), currency.String(), listing.String(),
	)
	return scanOrder(row)
}

// LowestAskAny returns the cheapest committed sell order across the whole
// book. It is the matcher's candidate ask.
func (s *Store) LowestAskAny() (*Order, error) {
	row := s.db.QueryRow(
		"SELECT "+orderCols+" FROM orders WHERE side = ? ORDER BY CAST(price AS REAL) ASC, timestamp ASC, order_id ASC LIMIT 1",
		Sell.Code(),
	)
	return scanOrder(row)
}

// EarliestCrossingBid returns the earliest-created committed buy order in the
// given currency and listing whose price meets or exceeds ask. Time priority
// is strict: a later, higher bid never jumps an earlier bid that qualifies.
// Price comparison is exact decimal arithmetic, not the REAL cast used for
// ordering.
func (s *Store) EarliestCrossingBid(currency, listing uuid.UUID, ask decimal.Decimal) (*Order, error) {
	rows, err := s.db.Query(
		"SELECT "+orderCols+" FROM orders WHERE side = ? AND currency_uuid = ? AND listing_uuid = ? ORDER BY timestamp ASC, order_id ASC",
		Buy.Code(), currency.String(), listing.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		if o.Price.GreaterThanOrEqual(ask) {
			return o, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrOrderNotFound
}

// ClearTemporaryOrders bulk-deletes every order flagged temporary on one
// side. Startup/shutdown cleanup only; this is a full table scan.
func (s *Store) ClearTemporaryOrders(side Side) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending()
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec("DELETE FROM orders WHERE side = ? AND temp = 1", side.Code())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OrderView is a countable, paginated read-through view over the committed
// open orders of one side, optionally scoped to a single category.
type OrderView struct {
	s        *Store
	side     Side
	category int64
}

// ListedOrders returns a view over one side of the book. Pass AllCategories
// to span every category.
func (s *Store) ListedOrders(side Side, category int64) *OrderView {
	return &OrderView{s: s, side: side, category: category}
}

func (v *OrderView) where() (string, []any) {
	clause := "side = ?"
	args := []any{v.side.Code()}
	if v.category != AllCategories {
		clause += " AND category_id = ?"
		args = append(args, v.category)
	}
	return clause, args
}

// Size returns the number of committed orders in the view.
func (v *OrderView) Size() (int, error) {
	clause, args := v.where()
	var n int
	err := v.s.db.QueryRow("SELECT COUNT(*) FROM orders WHERE "+clause, args...).Scan(&n)
	return n, err
}

// Get returns up to limit orders starting at offset. Sells come cheapest
// first, buys best bid first, with time priority inside a price.
func (v *OrderView) Get(offset, limit int) ([]Order, error) {
	clause, args := v.where()
	priceOrder := "ASC"
	if v.side == Buy {
		priceOrder = "DESC"
	}
	args = append(args, limit, offset)

	rows, err := v.s.db.Query(
		"SELECT "+orderCols+" FROM orders WHERE "+clause+
			" ORDER BY CAST(price AS REAL) "+priceOrder+", timestamp ASC, order_id ASC LIMIT ? OFFSET ?",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
