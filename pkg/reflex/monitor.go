// Package reflex watches the live audit stream and reacts to abuse
// patterns without operator involvement: a sender racking up policy
// violations is revoked, a traffic spike raises an alert record.
//
// Reflexes are deliberately blunt. They are the fabric's spinal cord, not
// its judgement; anything subtler belongs in a policy.
package reflex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
)

// Config tunes the reflex thresholds.
type Config struct {
	// ViolationLimit revokes a sender after this many policy violations
	// inside ViolationWindow. Zero disables the reflex.
	ViolationLimit  int
	ViolationWindow time.Duration

	// SpikeLimit raises an alert when one sender's deliveries inside
	// SpikeWindow exceed it. Zero disables the reflex.
	SpikeLimit  int
	SpikeWindow time.Duration
}

// DefaultConfig is tuned for a single-node fabric.
var DefaultConfig = Config{
	ViolationLimit:  5,
	ViolationWindow: time.Minute,
	SpikeLimit:      1000,
	SpikeWindow:     10 * time.Second,
}

type window struct {
	times []time.Time
}

func (w *window) hit(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times)
}

// Monitor consumes ledger appends and triggers reflexes.
type Monitor struct {
	cfg      Config
	registry *identity.Registry
	audit    ledger.Ledger
	log      *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	violations map[string]*window
	deliveries map[string]*window
	alerted    map[string]time.Time
}

// NewMonitor creates a monitor; call Attach to start observing a ledger.
func NewMonitor(cfg Config, reg *identity.Registry, audit ledger.Ledger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		registry:   reg,
		audit:      audit,
		log:        slog.Default(),
		clock:      time.Now,
		violations: make(map[string]*window),
		deliveries: make(map[string]*window),
		alerted:    make(map[string]time.Time),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// WithLogger overrides the default logger.
func (m *Monitor) WithLogger(log *slog.Logger) *Monitor {
	m.log = log
	return m
}

// Attach subscribes the monitor to a memory ledger's append stream.
func (m *Monitor) Attach(l *ledger.MemoryLedger) {
	l.OnAppend(m.Observe)
}

// Observe feeds one audit record through the reflex arcs.
func (m *Monitor) Observe(rec *ledger.Record) {
	switch rec.Type {
	case ledger.RecordViolation:
		m.onViolation(rec)
	case ledger.RecordDelivery:
		m.onDelivery(rec)
	}
}

func (m *Monitor) onViolation(rec *ledger.Record) {
	if m.cfg.ViolationLimit <= 0 || rec.Actor == "" {
		return
	}
	now := m.clock()

	m.mu.Lock()
	w, ok := m.violations[rec.Actor]
	if !ok {
		w = &window{}
		m.violations[rec.Actor] = w
	}
	count := w.hit(now, m.cfg.ViolationWindow)
	m.mu.Unlock()

	if count < m.cfg.ViolationLimit {
		return
	}

	addr, err := identity.ParseAddress(rec.Actor)
	if err != nil {
		return
	}
	if m.registry.IsRevoked(context.Background(), addr) {
		return
	}
	m.log.Warn("violation reflex tripped, revoking sender",
		"actor", rec.Actor, "violations", count, "window", m.cfg.ViolationWindow)
	if err := m.registry.Revoke(context.Background(), addr); err != nil {
		m.log.Error("reflex revocation failed", "actor", rec.Actor, "error", err)
	}
}

func (m *Monitor) onDelivery(rec *ledger.Record) {
	if m.cfg.SpikeLimit <= 0 || rec.Actor == "" {
		return
	}
	now := m.clock()

	m.mu.Lock()
	w, ok := m.deliveries[rec.Actor]
	if !ok {
		w = &window{}
		m.deliveries[rec.Actor] = w
	}
	count := w.hit(now, m.cfg.SpikeWindow)
	// One alert per actor per window, not one per excess envelope.
	last, seen := m.alerted[rec.Actor]
	spiking := count > m.cfg.SpikeLimit && (!seen || now.Sub(last) > m.cfg.SpikeWindow)
	if spiking {
		m.alerted[rec.Actor] = now
	}
	m.mu.Unlock()

	if !spiking {
		return
	}

	m.log.Warn("rate spike reflex tripped", "actor", rec.Actor, "count", count)
	if _, err := m.audit.Append(context.Background(), &ledger.Record{
		Type:     ledger.RecordViolation,
		Actor:    rec.Actor,
		Decision: "alert-and-allow",
		Alert:    true,
		Ref:      rec.Ref,
		Reason:   "delivery rate spike",
	}); err != nil {
		m.log.Error("reflex alert append failed", "actor", rec.Actor, "error", err)
	}
}
