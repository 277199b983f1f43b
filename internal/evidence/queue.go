package evidence

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Queue row statuses.
const (
	QueuePending          = "pending"
	QueueUploaded         = "uploaded"
	QueueFailedMaxRetries = "failed_max_retries"
)

const maxUploadRetries = 10

// Queue is the durable offline queue for staged bundles. Rows survive
// restarts and power loss (WAL journal); uploads drain oldest-first.
type Queue struct {
	db *sql.DB
}

// QueuedBundle is one row awaiting upload.
type QueuedBundle struct {
	ID            int64
	BundleID      string
	BundlePath    string
	SignaturePath string
	RetryCount    int
	LastError     string
	Status        string
	NextRetryAt   time.Time
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS queued_bundles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bundle_id TEXT NOT NULL UNIQUE,
	bundle_path TEXT NOT NULL,
	signature_path TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	uploaded_at TEXT,
	next_retry_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_bundles_due
	ON queued_bundles(status, next_retry_at);
`

// OpenQueue opens (creating if needed) the queue database at path.
func OpenQueue(path string) (*Queue, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue records a staged bundle as pending, due immediately.
func (q *Queue) Enqueue(bundleID, bundlePath, sigPath string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.db.Exec(
		`INSERT INTO queued_bundles (bundle_id, bundle_path, signature_path, created_at, next_retry_at)
		 VALUES (?, ?, ?, ?, ?)`,
		bundleID, bundlePath, sigPath, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue bundle %s: %w", bundleID, err)
	}
	return nil
}

// Due returns pending rows whose next_retry_at has passed, oldest first.
func (q *Queue) Due(now time.Time, limit int) ([]QueuedBundle, error) {
	rows, err := q.db.Query(
		`SELECT id, bundle_id, bundle_path, signature_path, retry_count, last_error, status, next_retry_at
		 FROM queued_bundles
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY id ASC LIMIT ?`,
		QueuePending, now.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due bundles: %w", err)
	}
	defer rows.Close()

	var out []QueuedBundle
	for rows.Next() {
		var b QueuedBundle
		var nextRetry string
		if err := rows.Scan(&b.ID, &b.BundleID, &b.BundlePath, &b.SignaturePath,
			&b.RetryCount, &b.LastError, &b.Status, &nextRetry); err != nil {
			return nil, fmt.Errorf("scan queued bundle: %w", err)
		}
		b.NextRetryAt, _ = time.Parse(time.RFC3339, nextRetry)
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkUploaded finalizes a row after a successful submit.
func (q *Queue) MarkUploaded(id int64, at time.Time) error {
	_, err := q.db.Exec(
		`UPDATE queued_bundles SET status = ?, uploaded_at = ? WHERE id = ?`,
		QueueUploaded, at.UTC().Format(time.RFC3339), id,
	)
	return err
}

// MarkFailed records a failed attempt. The backoff doubles per retry,
// capped at 60 minutes; after the retry limit the row parks as
// failed_max_retries for operator inspection.
func (q *Queue) MarkFailed(id int64, prevRetries int, cause string, now time.Time) error {
	retries := prevRetries + 1
	if retries >= maxUploadRetries {
		_, err := q.db.Exec(
			`UPDATE queued_bundles SET status = ?, retry_count = ?, last_error = ? WHERE id = ?`,
			QueueFailedMaxRetries, retries, cause, id,
		)
		return err
	}

	next := now.Add(backoffDelay(retries)).UTC().Format(time.RFC3339)
	_, err := q.db.Exec(
		`UPDATE queued_bundles SET retry_count = ?, last_error = ?, next_retry_at = ? WHERE id = ?`,
		retries, cause, next, id,
	)
	return err
}

// MarkRejected parks a row immediately. Used on integrity rejections
// (HTTP 409): resubmitting identical bytes cannot succeed.
func (q *Queue) MarkRejected(id int64, cause string) error {
	_, err := q.db.Exec(
		`UPDATE queued_bundles SET status = ?, last_error = ? WHERE id = ?`,
		QueueFailedMaxRetries, cause, id,
	)
	return err
}

// PendingCount returns the number of rows still awaiting upload.
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM queued_bundles WHERE status = ?`, QueuePending,
	).Scan(&n)
	return n, err
}

// Prune deletes uploaded rows older than cutoff to bound the database.
func (q *Queue) Prune(cutoff time.Time) (int64, error) {
	res, err := q.db.Exec(
		`DELETE FROM queued_bundles WHERE status = ? AND uploaded_at < ?`,
		QueueUploaded, cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func backoffDelay(retryCount int) time.Duration {
	minutes := 1
	if retryCount > 0 && retryCount < 6 {
		minutes = 1 << retryCount
	} else if retryCount >= 6 {
		minutes = 60
	}
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}
