package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side identifies which half of the book an order rests on.
type Side int

const (
	Buy Side = iota
	Sell
)

// Persisted side codes. These are written to the database and must never
// change, regardless of how the Side constants above are declared.
const (
	buyCode  = 0
	sellCode = 1
)

// Code returns the stable persisted encoding of the side.
func (s Side) Code() int {
	if s == Buy {
		return buyCode
	}
	return sellCode
}

// SideFromCode maps a persisted code back to a Side.
func SideFromCode(code int) (Side, error) {
	switch code {
	case buyCode:
		return Buy, nil
	case sellCode:
		return Sell, nil
	}
	return Buy, fmt.Errorf("unknown side code %d", code)
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// ParseSide parses the wire form used by the HTTP API.
func ParseSide(v string) (Side, error) {
	switch v {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return Buy, fmt.Errorf("side must be 'buy' or 'sell', got %q", v)
}

// Order is one resting intent to buy or sell a listing at a fixed price.
// Amount decreases on partial fills; an order whose amount reaches zero is
// deleted, never left at zero. Price and MaxAmount are fixed at insert time.
type Order struct {
	ID         int64           `json:"id"`
	Listing    uuid.UUID       `json:"listing"`
	CategoryID int64           `json:"category_id"`
	Side       Side            `json:"side"`
	Issuer     uuid.UUID       `json:"issuer"`
	Price      decimal.Decimal `json:"price"`
	Currency   uuid.UUID       `json:"currency"`
	Amount     int64           `json:"amount"`
	MaxAmount  int64           `json:"max_amount"`
	Temporary  bool            `json:"temporary"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TradeLogEntry is one immutable row of the trade audit log, appended only
// after a settlement succeeds.
type TradeLogEntry struct {
	ID         int64           `json:"id"`
	Listing    uuid.UUID       `json:"listing"`
	CategoryID int64           `json:"category_id"`
	Seller     uuid.UUID       `json:"seller"`
	Buyer      uuid.UUID       `json:"buyer"`
	Price      decimal.Decimal `json:"price"`
	Currency   uuid.UUID       `json:"currency"`
	Amount     int64           `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}
