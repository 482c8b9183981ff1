// Package offline buffers location samples on the reporting device while
// the server is unreachable and replays them in order once it is back.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/geoattend/internal/model"
)

// Entry is one queued sample. Seq orders entries FIFO.
type Entry struct {
	Seq        int64
	Sample     model.LocationSample
	EnqueuedAt time.Time
}

// Queue is a durable, bounded FIFO of samples awaiting submission.
type Queue interface {
	Enqueue(ctx context.Context, s model.LocationSample) error
	// Drain returns up to n of the oldest entries without removing them.
	Drain(ctx context.Context, n int) ([]Entry, error)
	Remove(ctx context.Context, seq int64) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// SQLiteQueue keeps the queue in a local SQLite file so queued samples
// survive an app restart.
type SQLiteQueue struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
}

var _ Queue = (*SQLiteQueue)(nil)

const queueMigration = `
CREATE TABLE IF NOT EXISTS queued_samples (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload     TEXT NOT NULL,
	enqueued_at TEXT NOT NULL
);`

// OpenSQLite opens (creating if needed) a queue at path. When more than
// maxEntries samples are queued the oldest are evicted.
func OpenSQLite(path string, maxEntries int) (*SQLiteQueue, error) {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "offline: open queue")
	}
	// One writer keeps AUTOINCREMENT order equal to enqueue order.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		queueMigration,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "offline: init queue")
		}
	}
	return &SQLiteQueue{db: db, maxEntries: maxEntries, now: time.Now}, nil
}

// Enqueue appends a sample, evicting the oldest entries beyond capacity.
func (q *SQLiteQueue) Enqueue(ctx context.Context, s model.LocationSample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "offline: encode sample")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "offline: begin enqueue")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queued_samples (payload, enqueued_at) VALUES (?, ?)`,
		string(payload), q.now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return eris.Wrap(err, "offline: insert sample")
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_samples`).Scan(&count); err != nil {
		return eris.Wrap(err, "offline: count queue")
	}
	evicted := count - q.maxEntries
	if evicted > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM queued_samples WHERE seq IN (
				SELECT seq FROM queued_samples ORDER BY seq LIMIT ?
			)`, evicted); err != nil {
			return eris.Wrap(err, "offline: evict oldest")
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "offline: commit enqueue")
	}

	if evicted > 0 {
		zap.L().Warn("offline: queue full, oldest samples evicted",
			zap.Int("evicted", evicted),
			zap.Int("max_entries", q.maxEntries),
		)
	}
	return nil
}

// Drain implements Queue.
func (q *SQLiteQueue) Drain(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, payload, enqueued_at FROM queued_samples ORDER BY seq LIMIT ?`, n)
	if err != nil {
		return nil, eris.Wrap(err, "offline: drain")
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
			at      string
		)
		if err := rows.Scan(&e.Seq, &payload, &at); err != nil {
			return nil, eris.Wrap(err, "offline: scan entry")
		}
		if err := json.Unmarshal([]byte(payload), &e.Sample); err != nil {
			return nil, eris.Wrapf(err, "offline: decode entry %d", e.Seq)
		}
		if e.EnqueuedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, eris.Wrapf(err, "offline: parse entry %d time", e.Seq)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "offline: drain rows")
}

// Remove implements Queue. Removing a missing entry is not an error.
func (q *SQLiteQueue) Remove(ctx context.Context, seq int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_samples WHERE seq = ?`, seq)
	return eris.Wrapf(err, "offline: remove entry %d", seq)
}

// Len implements Queue.
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_samples`).Scan(&n)
	return n, eris.Wrap(err, "offline: count")
}

// Close closes the database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
