// Package ledger implements the append-only, tamper-evident audit ledger.
//
// Every admission decision, policy violation and envelope delivery is
// recorded here. Each record is hash-chained to its predecessor; there is
// no update or delete operation. A failed append is fatal to the operation
// that triggered it: admission or delivery is not complete until its audit
// record is durably appended.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/openi-ai/fabric/pkg/canonicalize"
)

var (
	// ErrAuditWrite indicates the ledger could not append a record.
	// Callers must fail the triggering operation, never proceed silently.
	ErrAuditWrite = errors.New("audit ledger append failed")

	// ErrChainBroken indicates the hash chain failed verification.
	ErrChainBroken = errors.New("audit chain is broken")
)

// RecordType categorizes audit records.
type RecordType string

const (
	RecordAdmission  RecordType = "admission"
	RecordDelivery   RecordType = "delivery"
	RecordViolation  RecordType = "violation"
	RecordRevocation RecordType = "revocation"
	RecordProvenance RecordType = "provenance"
)

// Record is a single immutable audit entry. Seq, PrevHash and Hash are
// assigned by the ledger on append; callers fill the rest.
type Record struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Type      RecordType        `json:"type"`
	Actor     string            `json:"actor"`    // identity the decision concerns
	Decision  string            `json:"decision"` // allow | deny | alert-and-allow | ...
	Alert     bool              `json:"alert,omitempty"`
	Ref       string            `json:"ref"` // envelope id or admission instance id
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// Ledger is the append-only audit store contract. Appends are linearizable
// per ledger; queries are lazy and restartable from a sequence cursor.
type Ledger interface {
	Append(ctx context.Context, rec *Record) (string, error)
	Query(ctx context.Context, f Filter) (*Cursor, error)
}

// Filter selects records for a query. Zero fields match everything.
type Filter struct {
	Types    []RecordType
	Actor    string
	Ref      string
	After    time.Time
	Before   time.Time
	AfterSeq uint64 // restart cursor: only records with Seq > AfterSeq
	Limit    int    // 0 = unbounded
}

// Matches reports whether a record passes the filter (cursor position and
// limit excluded).
func (f Filter) Matches(r *Record) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if r.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if f.Ref != "" && r.Ref != f.Ref {
		return false
	}
	if !f.After.IsZero() && r.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && r.Timestamp.After(f.Before) {
		return false
	}
	if r.Seq <= f.AfterSeq {
		return false
	}
	return true
}

// Cursor iterates query results in sequence order, sql.Rows style:
//
//	for cur.Next() {
//	    rec := cur.Record()
//	}
//	if err := cur.Err(); err != nil { ... }
//
// Seq() after the last Next returns the position to restart from.
type Cursor struct {
	fetch   func(afterSeq uint64, batch int) ([]*Record, error)
	buf     []*Record
	cur     *Record
	lastSeq uint64
	left    int // remaining records under Filter.Limit, -1 = unbounded
	err     error
	done    bool
}

const cursorBatch = 64

func newCursor(f Filter, fetch func(afterSeq uint64, batch int) ([]*Record, error)) *Cursor {
	left := -1
	if f.Limit > 0 {
		left = f.Limit
	}
	return &Cursor{fetch: fetch, lastSeq: f.AfterSeq, left: left}
}

// Next advances the cursor. It returns false at the end of the result set
// or on error.
func (c *Cursor) Next() bool {
	if c.err != nil || c.done || c.left == 0 {
		return false
	}
	if len(c.buf) == 0 {
		batch, err := c.fetch(c.lastSeq, cursorBatch)
		if err != nil {
			c.err = err
			return false
		}
		if len(batch) == 0 {
			c.done = true
			return false
		}
		c.buf = batch
	}
	c.cur = c.buf[0]
	c.buf = c.buf[1:]
	c.lastSeq = c.cur.Seq
	if c.left > 0 {
		c.left--
	}
	return true
}

// Record returns the record at the current position.
func (c *Cursor) Record() *Record { return c.cur }

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error { return c.err }

// Seq returns the sequence number of the last returned record; pass it as
// Filter.AfterSeq to restart the query from this position.
func (c *Cursor) Seq() uint64 { return c.lastSeq }

// chainHash computes the tamper-evidence hash for a record: every field
// except Hash itself, canonically serialized.
func chainHash(r *Record) (string, error) {
	hashable := struct {
		ID        string            `json:"id"`
		Seq       uint64            `json:"seq"`
		Timestamp time.Time         `json:"timestamp"`
		Type      RecordType        `json:"type"`
		Actor     string            `json:"actor"`
		Decision  string            `json:"decision"`
		Alert     bool              `json:"alert"`
		Ref       string            `json:"ref"`
		Reason    string            `json:"reason"`
		Metadata  map[string]string `json:"metadata"`
		PrevHash  string            `json:"prev_hash"`
	}{r.ID, r.Seq, r.Timestamp, r.Type, r.Actor, r.Decision, r.Alert, r.Ref, r.Reason, r.Metadata, r.PrevHash}

	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// genesisHash anchors the chain.
const genesisHash = "genesis"
