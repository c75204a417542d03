package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordHandler is called synchronously after each successful append.
type RecordHandler func(rec *Record)

// MemoryLedger is the in-process, hash-chained ledger. Appends are
// linearizable; handlers observe records in append order.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   []*Record
	seq       uint64
	chainHead string
	clock     func() time.Time
	handlers  []RecordHandler
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		chainHead: genesisHash,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// Append adds a record to the chain and returns its id.
func (l *MemoryLedger) Append(ctx context.Context, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	if rec == nil || rec.Type == "" {
		return "", fmt.Errorf("%w: record requires a type", ErrAuditWrite)
	}

	l.mu.Lock()
	stored := *rec
	stored.ID = uuid.New().String()
	stored.Seq = l.seq + 1
	if stored.Timestamp.IsZero() {
		stored.Timestamp = l.clock().UTC()
	}
	stored.PrevHash = l.chainHead

	hash, err := chainHash(&stored)
	if err != nil {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	stored.Hash = hash

	l.seq = stored.Seq
	l.chainHead = stored.Hash
	l.records = append(l.records, &stored)
	handlers := l.handlers
	l.mu.Unlock()

	for _, h := range handlers {
		h(&stored)
	}
	return stored.ID, nil
}

// Query returns a cursor over records matching the filter, in seq order.
func (l *MemoryLedger) Query(ctx context.Context, f Filter) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newCursor(f, func(afterSeq uint64, batch int) ([]*Record, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		out := make([]*Record, 0, batch)
		probe := f
		probe.AfterSeq = afterSeq
		for _, r := range l.records {
			if !probe.Matches(r) {
				continue
			}
			dup := *r
			out = append(out, &dup)
			if len(out) == batch {
				break
			}
		}
		return out, nil
	}), nil
}

// OnAppend registers a handler invoked for every appended record. The
// reflex monitor uses this to watch live traffic.
func (l *MemoryLedger) OnAppend(h RecordHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// VerifyChain recomputes every hash and checks chain linkage.
func (l *MemoryLedger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := genesisHash
	for i, rec := range l.records {
		if rec.PrevHash != expectedPrev {
			return fmt.Errorf("%w: record %d prev_hash %s, expected %s",
				ErrChainBroken, i, rec.PrevHash, expectedPrev)
		}
		computed, err := chainHash(rec)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrChainBroken, i, err)
		}
		if computed != rec.Hash {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = rec.Hash
	}
	return nil
}

// Head returns the current chain head hash.
func (l *MemoryLedger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of records.
func (l *MemoryLedger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
