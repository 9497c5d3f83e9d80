/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.Store and identity.Registry on one SQLite database.
  The same statements work on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Store:       Event persistence and counts
  identity.Registry:  Customer and merchant records

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_events
  - No DELETE statements on ledger_events

KEY TABLES:
  ledger_events:  Immutable log of purchases and rewards
  customers:      Customer records with unique QR tokens
  merchants:      Merchant records with business names

CONDITIONAL REWARD INSERT:
  AppendReward is a single INSERT ... SELECT whose WHERE clause recounts
  the customer's purchases and rewards. SQLite runs the count and the insert
  in one implicit transaction under its single-writer lock, so two
  redemptions of the same block cannot both insert, even from different
  processes. A busy or stale-snapshot error surfaces as
  ledger.ErrRedemptionRaceLost and the engine retries.

MIGRATIONS:
  Versioned goose migrations embedded from migrations/*.sql, applied on New().

WAL MODE:
  Opened with WAL and a busy timeout:
  - Multiple readers don't block
  - Single writer at a time
  - Writers wait up to 5s for the lock before failing busy

USAGE:
  store, err := sqlite.New("./cafe_rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ identity.Registry = (*Store)(nil)
)

// New opens the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ledger.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

const eventColumns = `id, customer_id, merchant_id, kind, weight, idempotency_key, created_at`

// Append adds a purchase to the ledger. Rewards go through AppendReward.
func (s *Store) Append(ctx context.Context, event ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event = event.WithDefaults()
	if event.CustomerID == "" || event.Kind != ledger.KindPurchase {
		return ledger.ErrInvalidEvent
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.CustomerID,
		event.MerchantID,
		event.Kind,
		event.Weight.String(),
		nullString(event.IdempotencyKey),
		event.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return appendErr("append event", err)
	}
	return nil
}

// AppendReward inserts a reward event only if the customer's counts still
// allow it. The recount and insert are one statement.
func (s *Store) AppendReward(ctx context.Context, event ledger.Event, threshold int) error {
	if event.Kind != ledger.KindReward || threshold < 1 {
		return ledger.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event = event.WithDefaults()

	query := `
		INSERT INTO ledger_events (` + eventColumns + `)
		SELECT :id, :customer_id, :merchant_id, 'reward', :weight, :idempotency_key, :created_at
		FROM (
			SELECT
				COUNT(CASE WHEN kind = 'purchase' THEN 1 END) AS purchases,
				COUNT(CASE WHEN kind = 'reward' THEN 1 END) AS rewards
			FROM ledger_events
			WHERE customer_id = :customer_id
		) AS counts
		WHERE counts.purchases >= :threshold
		  AND counts.purchases % :threshold = 0
		  AND counts.rewards < counts.purchases / :threshold
	`

	result, err := s.db.ExecContext(ctx, query,
		sql.Named("id", string(event.ID)),
		sql.Named("customer_id", string(event.CustomerID)),
		sql.Named("merchant_id", string(event.MerchantID)),
		sql.Named("weight", event.Weight.String()),
		sql.Named("idempotency_key", nullString(event.IdempotencyKey)),
		sql.Named("created_at", event.CreatedAt.UTC().Format(timeLayout)),
		sql.Named("threshold", int64(threshold)),
	)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %v", ledger.ErrRedemptionRaceLost, err)
		}
		return appendErr("append reward", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return ledger.Unavailable("append reward", err)
	}
	if n == 0 {
		return ledger.ErrPredicateFailed
	}
	return nil
}

// CountByCustomerAndKind returns the number of committed events of kind.
func (s *Store) CountByCustomerAndKind(ctx context.Context, customerID ledger.CustomerID, kind ledger.Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_events WHERE customer_id = ? AND kind = ?",
		customerID, kind,
	).Scan(&count)
	if err != nil {
		return 0, ledger.Unavailable("count events", err)
	}
	return count, nil
}

// ListByCustomer returns at most limit events, most recent first.
func (s *Store) ListByCustomer(ctx context.Context, customerID ledger.CustomerID, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM ledger_events
		WHERE customer_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, customerID, limit)
	if err != nil {
		return nil, ledger.Unavailable("list events", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("list events", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		event          ledger.Event
		weight         string
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&event.ID, &event.CustomerID, &event.MerchantID, &event.Kind,
		&weight, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return event, ledger.Unavailable("scan event", err)
	}

	event.Weight, err = decimal.NewFromString(weight)
	if err != nil {
		return event, fmt.Errorf("event %s: bad weight %q: %w", event.ID, weight, err)
	}
	event.IdempotencyKey = idempotencyKey.String
	event.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return event, fmt.Errorf("event %s: %w", event.ID, err)
	}
	return event, nil
}

// =============================================================================
// IDENTITY REGISTRY (identity.Registry interface)
// =============================================================================

// SaveCustomer registers a customer. Returns identity.ErrEmailTaken on a
// duplicate email.
func (s *Store) SaveCustomer(ctx context.Context, c identity.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, email, qr_code, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Email, c.QRToken, formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "customers.email") {
			return identity.ErrEmailTaken
		}
		return ledger.Unavailable("save customer", err)
	}
	return nil
}

// SaveMerchant registers a merchant. Returns identity.ErrEmailTaken on a
// duplicate email.
func (s *Store) SaveMerchant(ctx context.Context, m identity.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merchants (id, name, email, business_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Email, m.BusinessName, formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "merchants.email") {
			return identity.ErrEmailTaken
		}
		return ledger.Unavailable("save merchant", err)
	}
	return nil
}

func (s *Store) ResolveCustomer(ctx context.Context, id ledger.CustomerID) (identity.Customer, error) {
	return s.queryCustomer(ctx, "id", string(id))
}

func (s *Store) ResolveCustomerByCredential(ctx context.Context, qrToken string) (identity.Customer, error) {
	return s.queryCustomer(ctx, "qr_code", qrToken)
}

func (s *Store) queryCustomer(ctx context.Context, column, value string) (identity.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c         identity.Customer
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, qr_code, created_at FROM customers WHERE "+column+" = ?",
		value,
	).Scan(&c.ID, &c.Name, &c.Email, &c.QRToken, &createdAt)

	if err == sql.ErrNoRows {
		return identity.Customer{}, identity.ErrCustomerNotFound
	}
	if err != nil {
		return identity.Customer{}, ledger.Unavailable("resolve customer", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return identity.Customer{}, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	return c, nil
}

func (s *Store) ResolveMerchant(ctx context.Context, id ledger.MerchantID) (identity.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		m         identity.Merchant
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, business_name, created_at FROM merchants WHERE id = ?",
		id,
	).Scan(&m.ID, &m.Name, &m.Email, &m.BusinessName, &createdAt)

	if err == sql.ErrNoRows {
		return identity.Merchant{}, identity.ErrMerchantNotFound
	}
	if err != nil {
		return identity.Merchant{}, ledger.Unavailable("resolve merchant", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return identity.Merchant{}, fmt.Errorf("merchant %s: %w", m.ID, err)
	}
	return m, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad created_at %q: %w", s, err)
	}
	return t, nil
}

// appendErr maps an insert failure on ledger_events.
func appendErr(op string, err error) error {
	if isUniqueConstraintError(err) && strings.Contains(err.Error(), "ledger_events.idempotency_key") {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return ledger.Unavailable(op, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
