// Package party defines the capability contract the market core consumes
// from its host: resolving opaque issuer ids to live accounts that hold
// balances and tracked order ids, can be snapshotted and restored around a
// settlement attempt, and receive trade-result notifications. The core never
// constructs or owns the production implementations; MemoryAccount and
// MemoryDirectory here back the daemon and the tests.
package party

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bazaar/internal/matcher"
	"bazaar/internal/store"
)

// TradeOutcome is the specific result delivered to both parties of an
// attempted settlement.
type TradeOutcome int

const (
	OutcomeSuccess TradeOutcome = iota
	OutcomeMissingParty
	OutcomeMissingCurrency
	OutcomeMissingAccount
	OutcomeStaleOrder
	OutcomeWithdrawRefused
	OutcomeDepositRefused
)

func (o TradeOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeMissingParty:
		return "missing party"
	case OutcomeMissingCurrency:
		return "missing currency"
	case OutcomeMissingAccount:
		return "missing account"
	case OutcomeStaleOrder:
		return "stale order"
	case OutcomeWithdrawRefused:
		return "withdraw refused"
	case OutcomeDepositRefused:
		return "deposit refused"
	}
	return "unknown"
}

// TradeResult pairs an outcome with the trade it concerns.
type TradeResult struct {
	Outcome TradeOutcome
	Trade   *matcher.TradeInfo
}

// Party is one account-holding entity known to the issuer directory.
type Party interface {
	ID() uuid.UUID

	// Per-currency balances; a currency never touched reads as zero.
	Balance(currency uuid.UUID) decimal.Decimal
	SetBalance(currency uuid.UUID, amount decimal.Decimal)

	// Known-order-id bookkeeping per side.
	HasOrder(side store.Side, id int64) bool
	AddOrderID(side store.Side, id int64)
	RemoveOrderID(side store.Side, id int64)

	// HasAccountWith reports whether the party holds the trading account
	// type required by the given currency authority.
	HasAccountWith(authority uuid.UUID) bool

	// Snapshot and Restore bracket a settlement attempt. The snapshot is a
	// fully detached value copy; restoring replays it without sharing any
	// mutable structure.
	Snapshot() Snapshot
	Restore(Snapshot)

	NotifyTrade(TradeResult)
}

// Directory resolves opaque ids to live parties and currencies to their
// owning authorities.
type Directory interface {
	Lookup(id uuid.UUID) (Party, bool)
	CurrencyOwner(currency uuid.UUID) (Party, bool)
}

// Snapshot is a detached copy of everything mutable about one party. It
// lives entirely within one settlement attempt.
type Snapshot struct {
	balances map[uuid.UUID]decimal.Decimal
	buys     map[int64]struct{}
	sells    map[int64]struct{}
}

func copyBalances(m map[uuid.UUID]decimal.Decimal) map[uuid.UUID]decimal.Decimal {
	out := make(map[uuid.UUID]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIDSet(m map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
