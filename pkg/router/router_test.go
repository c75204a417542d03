package router

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
	"github.com/openi-ai/fabric/pkg/policy"
	"github.com/openi-ai/fabric/pkg/retry"
)

type fixture struct {
	registry *identity.Registry
	audit    *ledger.MemoryLedger
	codec    *envelope.Codec
	router   *Router
	keys     map[string]ed25519.PrivateKey
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry: identity.NewRegistry(),
		audit:    ledger.NewMemoryLedger(),
		codec:    envelope.NewCodec(),
		keys:     make(map[string]ed25519.PrivateKey),
	}
	f.router = New(f.registry, f.audit, opts...)
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) register(t *testing.T, addr string) identity.Address {
	t.Helper()
	a, err := identity.ParseAddress(addr)
	if err != nil {
		t.Fatal(err)
	}
	pub, priv, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Register(context.Background(), a, identity.PublicKey{KeyID: "k1", Key: pub}); err != nil {
		t.Fatal(err)
	}
	f.keys[addr] = priv
	return a
}

func (f *fixture) envelope(t *testing.T, src, dest string) *envelope.Envelope {
	t.Helper()
	env, err := f.codec.Create(src, dest, "application/json", envelope.Headers{
		envelope.HeaderTTL:    envelope.TTLHeader(time.Minute),
		envelope.HeaderScopes: "db:read",
	}, map[string]string{"table": "users"}, f.keys[src])
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// collector is a handler that records deliveries.
type collector struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collector) handle(env *envelope.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []*envelope.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.envs) >= n {
			out := append([]*envelope.Envelope(nil), c.envs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")

	var got collector
	if _, err := f.router.Subscribe("topic://ddl/**", sink, got.handle); err != nil {
		t.Fatal(err)
	}

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if report.Matched != 1 || report.Delivered != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	envs := got.wait(t, 1)
	if envs[0].ID != env.ID {
		t.Fatalf("delivered wrong envelope: %s", envs[0].ID)
	}
}

func TestPublishZeroSubscribersSucceeds(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatalf("publish with no subscribers must succeed: %v", err)
	}
	if report.Matched != 0 {
		t.Fatalf("expected zero matches, got %d", report.Matched)
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")

	var got collector
	if _, err := f.router.Subscribe("topic://ddl/**", sink, got.handle); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 20; i++ {
		env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
		ids = append(ids, env.ID)
		if _, err := f.router.Publish(context.Background(), env); err != nil {
			t.Fatal(err)
		}
	}

	envs := got.wait(t, 20)
	for i, env := range envs {
		if env.ID != ids[i] {
			t.Fatalf("delivery order broken at %d: got %s, want %s", i, env.ID, ids[i])
		}
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	f := newFixture(t)
	sink := f.register(t, "agent://acme/node-1/sink")

	var got collector
	id1, err := f.router.Subscribe("topic://ddl/**", sink, got.handle)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := f.router.Subscribe("topic://ddl/**", sink, got.handle)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("duplicate subscribe must return the existing subscription")
	}

	f.register(t, "agent://acme/node-1/producer")
	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 1 {
		t.Fatalf("duplicate subscription double-delivered: %+v", report)
	}
}

func TestDirectAddressing(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")
	other := f.register(t, "agent://acme/node-1/other")

	var got, notGot collector
	if _, err := f.router.Subscribe("agent://acme/node-1/sink", sink, got.handle); err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Subscribe("agent://acme/node-1/other", other, notGot.handle); err != nil {
		t.Fatal(err)
	}

	env := f.envelope(t, "agent://acme/node-1/producer", "agent://acme/node-1/sink")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 1 || report.Delivered != 1 {
		t.Fatalf("direct publish should reach exactly the addressee: %+v", report)
	}
	got.wait(t, 1)
}

func TestUnknownSenderRejected(t *testing.T) {
	f := newFixture(t)
	// Sign with a key the registry has never seen.
	_, priv, _ := identity.GenerateKeypair()
	f.keys["agent://acme/node-1/ghost"] = priv

	env := f.envelope(t, "agent://acme/node-1/ghost", "topic://ddl/discovered/pg")
	_, err := f.router.Publish(context.Background(), env)
	if !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}

func TestRevokedSenderDeniedAndAudited(t *testing.T) {
	f := newFixture(t)
	addr := f.register(t, "agent://acme/node-1/producer")

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	if err := f.registry.Revoke(context.Background(), addr); err != nil {
		t.Fatal(err)
	}

	_, err := f.router.Publish(context.Background(), env)
	if !errors.Is(err, ErrSenderRevoked) {
		t.Fatalf("expected ErrSenderRevoked, got %v", err)
	}

	cur, err := f.audit.Query(context.Background(), ledger.Filter{Types: []ledger.RecordType{ledger.RecordViolation}})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Next() {
		t.Fatal("revoked publish must leave a violation record")
	}
	if rec := cur.Record(); rec.Actor != "agent://acme/node-1/producer" || rec.Decision != "deny" {
		t.Fatalf("unexpected violation record: %+v", rec)
	}
}

func TestRevokedReceiverSkipped(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")

	var got collector
	if _, err := f.router.Subscribe("topic://ddl/**", sink, got.handle); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Revoke(context.Background(), sink); err != nil {
		t.Fatal(err)
	}

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 0 || report.Denied != 1 {
		t.Fatalf("revoked receiver must not be delivered to: %+v", report)
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	env.Payload = []byte(`{"table":"accounts"}`)

	_, err := f.router.Publish(context.Background(), env)
	if !errors.Is(err, envelope.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

// denyGate blocks everything.
type denyGate struct{}

func (denyGate) CheckPublish(context.Context, *envelope.Envelope, *identity.Identity) (*policy.Outcome, error) {
	return &policy.Outcome{
		Decision: policy.Deny,
		Findings: []policy.Finding{{Policy: "always-deny", Decision: policy.Deny, Reason: "blocked"}},
	}, nil
}

func TestGateDenialIsAuditedNotDelivered(t *testing.T) {
	f := newFixture(t, WithGate(denyGate{}))
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")

	var got collector
	if _, err := f.router.Subscribe("topic://ddl/**", sink, got.handle); err != nil {
		t.Fatal(err)
	}

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatalf("gated denial is not a transport error: %v", err)
	}
	if report.Denied != 1 || report.Delivered != 0 {
		t.Fatalf("denied publish must not deliver: %+v", report)
	}

	cur, err := f.audit.Query(context.Background(), ledger.Filter{Types: []ledger.RecordType{ledger.RecordViolation}})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Next() {
		t.Fatal("denied publish must leave a violation record")
	}
}

func TestRateLimitEnforced(t *testing.T) {
	f := newFixture(t, WithLimiter(NewMemoryLimiterStore(), RateLimit{PerSecond: 1, Burst: 2}))
	f.register(t, "agent://acme/node-1/producer")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
		if _, err := f.router.Publish(ctx, env); err != nil {
			t.Fatalf("publish %d within burst: %v", i, err)
		}
	}

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	if _, err := f.router.Publish(ctx, env); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

// flakyLedger fails the first N appends, then recovers.
type flakyLedger struct {
	*ledger.MemoryLedger
	mu       sync.Mutex
	failures int
	attempts int
}

func (l *flakyLedger) Append(ctx context.Context, rec *ledger.Record) (string, error) {
	l.mu.Lock()
	l.attempts++
	fail := l.attempts <= l.failures
	l.mu.Unlock()
	if fail {
		return "", fmt.Errorf("%w: disk unavailable", ledger.ErrAuditWrite)
	}
	return l.MemoryLedger.Append(ctx, rec)
}

func (l *flakyLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestTransientAuditFailureRetried(t *testing.T) {
	registry := identity.NewRegistry()
	flaky := &flakyLedger{MemoryLedger: ledger.NewMemoryLedger(), failures: 2}
	r := New(registry, flaky, WithRetry(fastRetry(4)))
	t.Cleanup(r.Close)

	addr, err := identity.ParseAddress("agent://acme/node-1/producer")
	if err != nil {
		t.Fatal(err)
	}
	pub, priv, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Register(context.Background(), addr, identity.PublicKey{KeyID: "k1", Key: pub}); err != nil {
		t.Fatal(err)
	}

	env, err := envelope.NewCodec().Create(addr.String(), "topic://ddl/discovered/pg",
		"application/json", envelope.Headers{
			envelope.HeaderTTL:    envelope.TTLHeader(time.Minute),
			envelope.HeaderScopes: "db:read",
		}, map[string]string{"table": "users"}, priv)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Publish(context.Background(), env); err != nil {
		t.Fatalf("transient audit failure must be retried away: %v", err)
	}
	if got := flaky.calls(); got != 3 {
		t.Fatalf("expected 3 append attempts (2 failures + success), got %d", got)
	}
	cur, err := flaky.MemoryLedger.Query(context.Background(),
		ledger.Filter{Types: []ledger.RecordType{ledger.RecordDelivery}})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Next() {
		t.Fatal("delivery record missing after retried append")
	}

	// A failure that outlives the retry budget still aborts the publish.
	down := &flakyLedger{MemoryLedger: ledger.NewMemoryLedger(), failures: 100}
	r2 := New(registry, down, WithRetry(fastRetry(2)))
	t.Cleanup(r2.Close)
	env2, err := envelope.NewCodec().Create(addr.String(), "topic://ddl/discovered/pg",
		"application/json", envelope.Headers{
			envelope.HeaderTTL:    envelope.TTLHeader(time.Minute),
			envelope.HeaderScopes: "db:read",
		}, map[string]string{"table": "users"}, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r2.Publish(context.Background(), env2); !errors.Is(err, ledger.ErrAuditWrite) {
		t.Fatalf("expected ErrAuditWrite after retries exhausted, got %v", err)
	}
}

func TestFullMailboxDropsForThatSubscriber(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")

	release := make(chan struct{})
	defer close(release)
	if _, err := f.router.Subscribe("topic://ddl/**", sink, func(*envelope.Envelope) { <-release }); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	dropped := 0
	for i := 0; i < mailboxDepth+2; i++ {
		env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
		report, err := f.router.Publish(ctx, env)
		if err != nil {
			t.Fatal(err)
		}
		dropped += report.Dropped
	}
	if dropped == 0 {
		t.Fatal("overflowing a blocked subscriber must surface in DeliveryReport.Dropped")
	}
}

func TestUnsubscribeAllStopsDelivery(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent://acme/node-1/producer")
	sink := f.register(t, "agent://acme/node-1/sink")

	var got collector
	if _, err := f.router.Subscribe("topic://ddl/**", sink, got.handle); err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Subscribe("topic://dml/**", sink, got.handle); err != nil {
		t.Fatal(err)
	}
	f.router.UnsubscribeAll(sink)

	env := f.envelope(t, "agent://acme/node-1/producer", "topic://ddl/discovered/pg")
	report, err := f.router.Publish(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 0 {
		t.Fatalf("unsubscribed destination still matched: %+v", report)
	}
}
