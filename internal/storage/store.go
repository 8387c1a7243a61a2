package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dextrack/internal/domain"

	_ "github.com/glebarez/go-sqlite"
)

// Store persists tracked orders in SQLite, keyed by
// (chain, network, wallet, order id). The persisted copy is a
// best-effort cache for restart recovery; the tracker's in-memory set
// stays authoritative for its lifetime.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite order store with WAL mode enabled and
// bootstraps the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// tx_hash is the submitting transaction's hash; columns exist for
	// the query surface, payload is the full order record.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			chain      TEXT NOT NULL,
			network    TEXT NOT NULL,
			wallet     TEXT NOT NULL,
			id         INTEGER NOT NULL,
			market_id  TEXT NOT NULL,
			state      TEXT NOT NULL,
			tx_hash    TEXT NOT NULL DEFAULT '',
			payload    BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (chain, network, wallet, id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(chain, network, wallet, state);",
		"CREATE INDEX IF NOT EXISTS idx_orders_market ON orders(chain, network, wallet, market_id);",
	} {
		if _, err := db.Exec(idx); err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// SaveOrder upserts one order record.
func (s *Store) SaveOrder(ctx context.Context, key domain.Key, o *domain.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order %d: %w", o.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (chain, network, wallet, id, market_id, state, tx_hash, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain, network, wallet, id) DO UPDATE SET
			market_id=excluded.market_id,
			state=excluded.state,
			tx_hash=excluded.tx_hash,
			payload=excluded.payload,
			updated_at=excluded.updated_at`,
		key.Chain, key.Network, key.Wallet, o.ID,
		o.MarketID, string(o.State), o.SubmitHash(), payload, o.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order %d: %w", o.ID, err)
	}
	return nil
}

// DeleteOrder removes one order record. Pruning is an external concern;
// the tracker itself never calls this.
func (s *Store) DeleteOrder(ctx context.Context, key domain.Key, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM orders WHERE chain=? AND network=? AND wallet=? AND id=?",
		key.Chain, key.Network, key.Wallet, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete order %d: %w", id, err)
	}
	return nil
}

// GetInflightOrders loads every non-terminal order for the key.
func (s *Store) GetInflightOrders(ctx context.Context, key domain.Key) (domain.InflightOrders, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM orders
		WHERE chain=? AND network=? AND wallet=?
		AND state IN (?, ?, ?, ?)`,
		key.Chain, key.Network, key.Wallet,
		string(domain.StatePendingOpen), string(domain.StateOpen),
		string(domain.StatePartiallyFilled), string(domain.StatePendingCancel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query inflight orders: %w", err)
	}
	defer rows.Close()

	orders := make(domain.InflightOrders)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders[o.ID] = o
	}
	return orders, rows.Err()
}

// GetOrdersByState returns the key's orders in the given state.
func (s *Store) GetOrdersByState(ctx context.Context, key domain.Key, state domain.OrderState) ([]*domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT payload FROM orders
		WHERE chain=? AND network=? AND wallet=? AND state=?
		ORDER BY id ASC`,
		key.Chain, key.Network, key.Wallet, string(state))
}

// GetOrdersByMarket returns the key's orders for one market.
func (s *Store) GetOrdersByMarket(ctx context.Context, key domain.Key, marketID string) ([]*domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT payload FROM orders
		WHERE chain=? AND network=? AND wallet=? AND market_id=?
		ORDER BY id ASC`,
		key.Chain, key.Network, key.Wallet, marketID)
}

// GetOrderByMarketAndHash looks an order up by its market and the hash
// of its submitting transaction. Returns nil when not found.
func (s *Store) GetOrderByMarketAndHash(ctx context.Context, key domain.Key, marketID, txHash string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM orders
		WHERE chain=? AND network=? AND wallet=? AND market_id=? AND tx_hash=?`,
		key.Chain, key.Network, key.Wallet, marketID, txHash)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query order by hash: %w", err)
	}

	var o domain.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(rows *sql.Rows) (*domain.Order, error) {
	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return nil, fmt.Errorf("failed to scan order row: %w", err)
	}
	var o domain.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
