package orders

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// NonceStore persists order nonces so a captured order cannot be replayed
// against the appliance. Rows older than the retention window are pruned;
// the order TTL is far shorter, so an expired nonce no longer matters.
type NonceStore struct {
	db *sql.DB
}

const nonceSchema = `
CREATE TABLE IF NOT EXISTS order_nonces (
	nonce TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	seen_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_nonces_seen_at ON order_nonces(seen_at);
`

// OpenNonceStore opens (creating if needed) the nonce database at path.
func OpenNonceStore(path string) (*NonceStore, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open nonce db: %w", err)
	}
	if _, err := db.Exec(nonceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create nonce schema: %w", err)
	}
	return &NonceStore{db: db}, nil
}

// CheckAndRecord atomically records the nonce. Returns false when the nonce
// was already present, meaning the order is a replay.
func (s *NonceStore) CheckAndRecord(nonce, orderID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO order_nonces (nonce, order_id, seen_at) VALUES (?, ?, ?)`,
		nonce, orderID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nonce rows affected: %w", err)
	}
	return n == 1, nil
}

// Prune removes nonces older than maxAge and returns how many went.
func (s *NonceStore) Prune(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM order_nonces WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored nonces.
func (s *NonceStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM order_nonces`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the database handle.
func (s *NonceStore) Close() error {
	return s.db.Close()
}
