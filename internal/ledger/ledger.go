// Package ledger implements bounded per-currency account balances. It is
// pure arithmetic over balance holders: no I/O, no locking. Callers that
// mutate balances concurrently serialize themselves (the settlement engine
// holds its transfer lock across every ledger call it makes).
package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Holder is anything that owns per-currency balances. A missing currency
// reads as zero.
type Holder interface {
	Balance(currency uuid.UUID) decimal.Decimal
	SetBalance(currency uuid.UUID, amount decimal.Decimal)
}

// Limits bounds every balance after any mutation.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultLimits returns the symmetric big bounds of ±10^100.
func DefaultLimits() Limits {
	bound := decimal.New(1, 100)
	return Limits{Min: bound.Neg(), Max: bound}
}

// Ledger applies deposits and withdrawals against configured bounds.
type Ledger struct {
	limits Limits
}

func New(limits Limits) *Ledger {
	return &Ledger{limits: limits}
}

// Balance returns the holder's balance in the given currency, zero if the
// holder has never touched it.
func (l *Ledger) Balance(h Holder, currency uuid.UUID) decimal.Decimal {
	return h.Balance(currency)
}

// Deposit adds amount to the holder's balance. It returns false without
// mutating state when the result would exceed the configured maximum.
// A negative amount is a programming error and panics.
func (l *Ledger) Deposit(h Holder, amount decimal.Decimal, currency uuid.UUID) bool {
	if amount.IsNegative() {
		panic(fmt.Sprintf("ledger: negative deposit amount %s", amount))
	}

	next := h.Balance(currency).Add(amount)
	if next.GreaterThan(l.limits.Max) {
		return false
	}
	h.SetBalance(currency, next)
	return true
}

// Withdraw removes amount from the holder's balance. It returns false
// without mutating state when the result would fall below the configured
// minimum, or below zero unless allowNegative is set. A negative amount is a
// programming error and panics.
func (l *Ledger) Withdraw(h Holder, amount decimal.Decimal, currency uuid.UUID, allowNegative bool) bool {
	if amount.IsNegative() {
		panic(fmt.Sprintf("ledger: negative withdraw amount %s", amount))
	}

	next := h.Balance(currency).Sub(amount)
	if next.LessThan(l.limits.Min) {
		return false
	}
	if !allowNegative && next.IsNegative() {
		return false
	}
	h.SetBalance(currency, next)
	return true
}
