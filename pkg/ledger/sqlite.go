package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is the durable audit ledger. It keeps the same hash-chain
// contract as MemoryLedger but survives process restarts.
//
// The caller owns the *sql.DB; tests inject a mock to exercise write
// failure handling.
type SQLiteLedger struct {
	db *sql.DB

	mu        sync.Mutex // serializes appends: the chain has one tail
	seq       uint64
	chainHead string
	clock     func() time.Time
}

// OpenSQLite opens (or creates) a ledger database at path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return NewSQLiteLedger(db)
}

// NewSQLiteLedger wraps an existing database handle, migrating the schema
// and loading the chain tail.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, chainHead: genesisHash, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.loadTail(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	l.clock = clock
	return l
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		type TEXT NOT NULL,
		actor TEXT NOT NULL,
		decision TEXT NOT NULL,
		alert INTEGER NOT NULL DEFAULT 0,
		ref TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		metadata JSON,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_records(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_ref ON audit_records(ref);`
	_, err := l.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("ledger migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) loadTail() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		l.seq = seq
		l.chainHead = hash
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("ledger load tail: %w", err)
	}
}

// Append durably adds a record to the chain and returns its id.
func (l *SQLiteLedger) Append(ctx context.Context, rec *Record) (string, error) {
	if rec == nil || rec.Type == "" {
		return "", fmt.Errorf("%w: record requires a type", ErrAuditWrite)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *rec
	stored.ID = uuid.New().String()
	stored.Seq = l.seq + 1
	if stored.Timestamp.IsZero() {
		stored.Timestamp = l.clock().UTC()
	}
	stored.PrevHash = l.chainHead

	hash, err := chainHash(&stored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	stored.Hash = hash

	meta, err := json.Marshal(stored.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_records (seq, id, timestamp, type, actor, decision, alert, ref, reason, metadata, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.Seq, stored.ID, stored.Timestamp, string(stored.Type), stored.Actor,
		stored.Decision, stored.Alert, stored.Ref, stored.Reason, string(meta),
		stored.PrevHash, stored.Hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	l.seq = stored.Seq
	l.chainHead = stored.Hash
	return stored.ID, nil
}

// Query returns a cursor over matching records in seq order, fetched in
// batches so arbitrarily large ledgers stream without loading fully.
func (l *SQLiteLedger) Query(ctx context.Context, f Filter) (*Cursor, error) {
	return newCursor(f, func(afterSeq uint64, batch int) ([]*Record, error) {
		where := []string{"seq > ?"}
		args := []interface{}{afterSeq}

		if len(f.Types) > 0 {
			marks := make([]string, len(f.Types))
			for i, t := range f.Types {
				marks[i] = "?"
				args = append(args, string(t))
			}
			where = append(where, "type IN ("+strings.Join(marks, ",")+")")
		}
		if f.Actor != "" {
			where = append(where, "actor = ?")
			args = append(args, f.Actor)
		}
		if f.Ref != "" {
			where = append(where, "ref = ?")
			args = append(args, f.Ref)
		}
		if !f.After.IsZero() {
			where = append(where, "timestamp >= ?")
			args = append(args, f.After)
		}
		if !f.Before.IsZero() {
			where = append(where, "timestamp <= ?")
			args = append(args, f.Before)
		}
		args = append(args, batch)

		rows, err := l.db.QueryContext(ctx, `
			SELECT seq, id, timestamp, type, actor, decision, alert, ref, reason, metadata, prev_hash, hash
			FROM audit_records WHERE `+strings.Join(where, " AND ")+`
			ORDER BY seq ASC LIMIT ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("ledger query: %w", err)
		}
		defer rows.Close()

		var out []*Record
		for rows.Next() {
			var rec Record
			var typ, meta string
			if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Timestamp, &typ, &rec.Actor,
				&rec.Decision, &rec.Alert, &rec.Ref, &rec.Reason, &meta,
				&rec.PrevHash, &rec.Hash); err != nil {
				return nil, fmt.Errorf("ledger scan: %w", err)
			}
			rec.Type = RecordType(typ)
			if meta != "" && meta != "null" {
				if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
					return nil, fmt.Errorf("ledger metadata decode: %w", err)
				}
			}
			out = append(out, &rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("ledger query: %w", err)
		}
		return out, nil
	}), nil
}

// Close releases the underlying database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
