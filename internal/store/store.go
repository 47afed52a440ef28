package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Registrar receives order-id bookkeeping side effects so the issuing party's
// known-order-id set stays in step with the book. Notifications queue with
// the batch and are delivered when it commits; a rolled-back batch delivers
// nothing. The host's issuer directory supplies the implementation; a nil
// registrar disables the hook.
type Registrar interface {
	OrderPlaced(issuer uuid.UUID, side Side, orderID int64)
	OrderRemoved(issuer uuid.UUID, side Side, orderID int64)
}

// Store provides SQLite persistence for the order book and trade log.
//
// Mutations accumulate in a single lazily-opened transaction until Commit or
// Rollback ends the batch. Read queries always run against committed state.
// Callers that need a multi-operation batch (the settlement engine) serialize
// themselves; independent single-op callers may share a batch harmlessly.
type Store struct {
	db        *sql.DB
	log       *zap.Logger
	registrar Registrar

	mu sync.Mutex
	tx *sql.Tx

	// Side effects of the open batch, applied on Commit and discarded on
	// Rollback.
	pendingReg  []func()
	pendingCats map[string]int64

	categories *Categories
}

// Open creates a Store at the given path and initializes the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// WAL keeps committed-state reads available while a batch holds the
	// write lock; busy_timeout covers the brief commit window. The _pragma
	// DSN form applies to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	cats, err := loadCategories(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.categories = cats

	return s, nil
}

// SetRegistrar installs the issuer-directory bookkeeping hook.
func (s *Store) SetRegistrar(r Registrar) {
	s.registrar = r
}

// Categories exposes the store-owned name/id registry.
func (s *Store) Categories() *Categories {
	return s.categories
}

// Close rolls back any open batch and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id INTEGER PRIMARY KEY AUTOINCREMENT,
		side INTEGER NOT NULL,            -- stable code: 0 = buy, 1 = sell
		listing_uuid TEXT NOT NULL,
		category_id INTEGER NOT NULL REFERENCES categories(category_id),
		timestamp INTEGER NOT NULL,       -- unix nanoseconds
		issuer TEXT NOT NULL,
		price TEXT NOT NULL,              -- exact decimal string
		currency_uuid TEXT NOT NULL,
		amount INTEGER NOT NULL,
		maximum INTEGER NOT NULL,
		temp INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS categories (
		category_id INTEGER PRIMARY KEY AUTOINCREMENT,
		category_value TEXT UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_logs (
		order_id INTEGER PRIMARY KEY AUTOINCREMENT,
		listing_uuid TEXT NOT NULL,
		category_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		seller TEXT NOT NULL,
		buyer TEXT NOT NULL,
		price TEXT NOT NULL,
		currency_uuid TEXT NOT NULL,
		amount INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_book ON orders(side, currency_uuid, listing_uuid);
	CREATE INDEX IF NOT EXISTS idx_orders_side_time ON orders(side, timestamp);
	CREATE INDEX IF NOT EXISTS idx_trade_logs_listing ON trade_logs(currency_uuid, listing_uuid, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// pending returns the open batch transaction, beginning one if needed.
// Caller must hold s.mu.
func (s *Store) pending() (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// Commit makes every mutation since the last Commit/Rollback durable and
// visible to readers, caches categories the batch created, and delivers the
// queued registrar notifications. Committing with no open batch is a no-op.
func (s *Store) Commit() error {
	s.mu.Lock()
	if s.tx == nil {
		s.mu.Unlock()
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	events := s.pendingReg
	cats := s.pendingCats
	s.pendingReg = nil
	s.pendingCats = nil
	s.mu.Unlock()

	if err != nil {
		s.log.Error("order batch commit failed", zap.Error(err))
		return err
	}
	for name, id := range cats {
		s.categories.add(name, id)
	}
	for _, fn := range events {
		fn()
	}
	return nil
}

// Rollback discards every mutation since the last Commit/Rollback, including
// the batch's queued registrar notifications and category inserts. Party
// mementos are the caller's to restore. Rolling back with no open batch is a
// no-op.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	s.pendingReg = nil
	s.pendingCats = nil
	if err != nil {
		s.log.Error("order batch rollback failed", zap.Error(err))
	}
	return err
}

// resolveCategory returns the id for a category name, inserting unseen names
// through the open batch so the insert never contends with the batch's write
// lock. Caller must hold s.mu.
func (s *Store) resolveCategory(tx *sql.Tx, name string) (int64, error) {
	if id, ok := s.categories.Lookup(name); ok {
		return id, nil
	}
	if id, ok := s.pendingCats[name]; ok {
		return id, nil
	}

	res, err := tx.Exec("INSERT INTO categories (category_value) VALUES (?)", name)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if s.pendingCats == nil {
		s.pendingCats = make(map[string]int64)
	}
	s.pendingCats[name] = id
	return id, nil
}
