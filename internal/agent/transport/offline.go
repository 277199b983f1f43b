package transport

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

// Offline queue bounds. When the queue is full the oldest events are
// dropped first: a scorecard gap beats unbounded disk growth on an
// endpoint that has been off the network for weeks.
const (
	DefaultQueueMaxSize = 10000
	DefaultQueueMaxAge  = 7 * 24 * time.Hour
)

// OfflineQueue persists drift events in SQLite while the appliance is
// unreachable and drains them on reconnect.
type OfflineQueue struct {
	mu      sync.Mutex
	db      *sql.DB
	maxSize int
	maxAge  time.Duration
}

// QueueOptions overrides the queue bounds; zero values keep defaults.
type QueueOptions struct {
	MaxSize int
	MaxAge  time.Duration
}

// OpenQueue opens (or creates) the offline queue database at path.
func OpenQueue(path string) (*OfflineQueue, error) {
	return OpenQueueWithOptions(path, QueueOptions{})
}

// OpenQueueWithOptions opens the queue with explicit bounds.
func OpenQueueWithOptions(path string, opts QueueOptions) (*OfflineQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue pragma: %w", err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS queued_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    payload    BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queued_events_created ON queued_events(created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	q := &OfflineQueue{db: db, maxSize: DefaultQueueMaxSize, maxAge: DefaultQueueMaxAge}
	if opts.MaxSize > 0 {
		q.maxSize = opts.MaxSize
	}
	if opts.MaxAge > 0 {
		q.maxAge = opts.MaxAge
	}
	return q, nil
}

// Push appends a drift event. When the queue is at capacity the oldest
// event is evicted to make room.
func (q *OfflineQueue) Push(event *pb.DriftEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal queued event: %w", err)
	}

	var count int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM queued_events").Scan(&count); err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	if count >= q.maxSize {
		if _, err := q.db.Exec(
			"DELETE FROM queued_events WHERE id IN (SELECT id FROM queued_events ORDER BY created_at ASC, id ASC LIMIT ?)",
			count-q.maxSize+1,
		); err != nil {
			return fmt.Errorf("evict oldest: %w", err)
		}
	}

	_, err = q.db.Exec(
		"INSERT INTO queued_events (payload, created_at) VALUES (?, ?)",
		payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest queued event. The second return is
// false when the queue is empty.
func (q *OfflineQueue) Pop() (*pb.DriftEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var id int64
	var payload []byte
	err := q.db.QueryRow(
		"SELECT id, payload FROM queued_events ORDER BY created_at ASC, id ASC LIMIT 1",
	).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	if _, err := q.db.Exec("DELETE FROM queued_events WHERE id = ?", id); err != nil {
		return nil, false
	}

	var event pb.DriftEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// Corrupt row already deleted; skip it.
		return nil, false
	}
	return &event, true
}

// Drain removes and returns up to limit events, oldest first.
func (q *OfflineQueue) Drain(limit int) ([]*pb.DriftEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(
		"SELECT id, payload FROM queued_events ORDER BY created_at ASC, id ASC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*pb.DriftEvent
	var ids []int64
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			continue
		}
		ids = append(ids, id)
		var event pb.DriftEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return events, err
	}

	for _, id := range ids {
		q.db.Exec("DELETE FROM queued_events WHERE id = ?", id)
	}
	return events, nil
}

// Depth returns the number of queued events.
func (q *OfflineQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM queued_events").Scan(&n); err != nil {
		return 0
	}
	return n
}

// Prune drops events older than the configured maximum age and returns
// how many were removed.
func (q *OfflineQueue) Prune() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.maxAge).Unix()
	res, err := q.db.Exec("DELETE FROM queued_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (q *OfflineQueue) Close() error {
	return q.db.Close()
}
