package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openi-ai/fabric/pkg/config"
	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
	"github.com/openi-ai/fabric/pkg/manifest"
	"github.com/openi-ai/fabric/pkg/router"
)

const scoutYAML = `
apiVersion: openi.ai/v1
kind: Agent
metadata:
  name: schema-scout
  tenant: acme
  node: node-1
spec:
  runtime:
    kind: wasm
    version: 1.2.3
  inputs:
    - name: requests
      topic: topic://ddl/requests
      type: application/json
  outputs:
    - name: discovered
      topic: topic://ddl/discovered/pg
      type: application/json
  policies:
    - name: scope-match
      action: enforce
    - name: payload-size
      action: advisory
  permissions:
    - system: db
      capability: read
`

func testNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.Load()
	cfg.NodeName = "test-node"
	n, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

type sink struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (s *sink) handle(env *envelope.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func (s *sink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d deliveries, have %d", n, s.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func headers() envelope.Headers {
	return envelope.Headers{
		envelope.HeaderTTL:    envelope.TTLHeader(time.Minute),
		envelope.HeaderScopes: "db:read",
	}
}

func TestEndToEndPublish(t *testing.T) {
	n := testNode(t)
	ctx := context.Background()

	scoutAddr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "schema-scout"}
	if _, err := n.RegisterAgent(ctx, scoutAddr); err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, scoutAddr, "db:read"); err != nil {
		t.Fatal(err)
	}

	var inbox sink
	handle, err := n.AdmitYAML(ctx, []byte(scoutYAML), inbox.handle)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if handle.Token == "" {
		t.Fatal("admission must mint a capability token")
	}

	// A peer publishes into the scout's declared input.
	peerAddr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "peer"}
	peerKey, err := n.RegisterAgent(ctx, peerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, peerAddr, "db:read"); err != nil {
		t.Fatal(err)
	}
	peerManifest := &manifest.Manifest{
		APIVersion: manifest.APIVersion,
		Kind:       manifest.KindAgent,
		Metadata:   manifest.Metadata{Name: "peer", Tenant: "acme", Node: "node-1"},
		Spec: manifest.Spec{
			Runtime: manifest.Runtime{Kind: manifest.RuntimeNative, Version: "0.1.0"},
			Outputs: []manifest.IO{{Name: "req", Topic: "topic://ddl/requests", Type: "application/json"}},
			Policies: []manifest.PolicyRef{
				{Name: "scope-match", Action: manifest.ActionEnforce},
			},
			Permissions: []manifest.Permission{{System: "db", Capability: "read"}},
		},
	}
	if _, err := n.Admit(ctx, peerManifest, func(*envelope.Envelope) {}); err != nil {
		t.Fatal(err)
	}

	env, err := n.NewEnvelope(peerAddr.String(), "topic://ddl/requests",
		"application/json", headers(), map[string]string{"op": "scan"}, peerKey)
	if err != nil {
		t.Fatal(err)
	}
	report, err := n.Publish(ctx, env)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if report.Delivered != 1 {
		t.Fatalf("expected delivery to the scout: %+v", report)
	}
	inbox.waitFor(t, 1)

	// Audit trail: two admissions and one delivery.
	cur, err := n.QueryAudit(ctx, ledger.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	counts := map[ledger.RecordType]int{}
	for cur.Next() {
		counts[cur.Record().Type]++
	}
	if counts[ledger.RecordAdmission] != 2 || counts[ledger.RecordDelivery] != 1 {
		t.Fatalf("unexpected audit trail: %v", counts)
	}
}

func TestNodeSubscribeAdHoc(t *testing.T) {
	n := testNode(t)
	ctx := context.Background()

	addr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "schema-scout"}
	key, err := n.RegisterAgent(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, addr, "db:read"); err != nil {
		t.Fatal(err)
	}
	if _, err := n.AdmitYAML(ctx, []byte(scoutYAML), func(*envelope.Envelope) {}); err != nil {
		t.Fatal(err)
	}

	// An orchestration-level observer taps the output topic without a
	// manifest of its own.
	observer := identity.Address{Tenant: "acme", Node: "node-1", Agent: "observer"}
	if _, err := n.RegisterAgent(ctx, observer); err != nil {
		t.Fatal(err)
	}
	var tap sink
	subID, err := n.Subscribe("topic://ddl/**", observer, tap.handle)
	if err != nil {
		t.Fatal(err)
	}

	env, err := n.NewEnvelope(addr.String(), "topic://ddl/discovered/pg",
		"application/json", headers(), map[string]string{"table": "users"}, key)
	if err != nil {
		t.Fatal(err)
	}
	report, err := n.Publish(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 1 {
		t.Fatalf("ad-hoc subscription must receive the publish: %+v", report)
	}
	tap.waitFor(t, 1)

	n.Unsubscribe(subID)
	env2, err := n.NewEnvelope(addr.String(), "topic://ddl/discovered/pg",
		"application/json", headers(), map[string]string{"table": "users"}, key)
	if err != nil {
		t.Fatal(err)
	}
	report, err = n.Publish(ctx, env2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 0 {
		t.Fatalf("unsubscribed tap still matched: %+v", report)
	}
}

func TestEnforceDenyBeatsAdvisoryAllow(t *testing.T) {
	n := testNode(t)
	ctx := context.Background()

	addr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "schema-scout"}
	key, err := n.RegisterAgent(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, addr, "db:read"); err != nil {
		t.Fatal(err)
	}
	if _, err := n.AdmitYAML(ctx, []byte(scoutYAML), func(*envelope.Envelope) {}); err != nil {
		t.Fatal(err)
	}

	// Claim a scope that was never granted: scope-match (enforce) denies,
	// payload-size (advisory) passes, most restrictive wins.
	hdrs := headers()
	hdrs[envelope.HeaderScopes] = "db:read,db:write"
	env, err := n.NewEnvelope(addr.String(), "topic://ddl/discovered/pg",
		"application/json", hdrs, map[string]string{"table": "users"}, key)
	if err != nil {
		t.Fatal(err)
	}

	report, err := n.Publish(ctx, env)
	if err != nil {
		t.Fatalf("policy denial is not a transport error: %v", err)
	}
	if report.Denied != 1 || report.Delivered != 0 {
		t.Fatalf("enforce deny must block delivery: %+v", report)
	}

	cur, err := n.QueryAudit(ctx, ledger.Filter{Types: []ledger.RecordType{ledger.RecordViolation}})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Next() {
		t.Fatal("denied publish must be audited")
	}
}

func TestExpiredEnvelopeRejected(t *testing.T) {
	n := testNode(t)
	ctx := context.Background()

	addr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "schema-scout"}
	key, err := n.RegisterAgent(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, addr, "db:read"); err != nil {
		t.Fatal(err)
	}
	if _, err := n.AdmitYAML(ctx, []byte(scoutYAML), func(*envelope.Envelope) {}); err != nil {
		t.Fatal(err)
	}

	// Sign an envelope dated beyond its own ttl.
	past := time.Now().Add(-2 * time.Second)
	stale := envelope.NewCodec().WithClock(func() time.Time { return past })
	hdrs := headers()
	hdrs[envelope.HeaderTTL] = envelope.TTLHeader(time.Second)
	env, err := stale.Create(addr.String(), "topic://ddl/discovered/pg",
		"application/json", hdrs, map[string]string{"table": "users"}, key)
	if err != nil {
		t.Fatal(err)
	}

	_, err = n.Publish(ctx, env)
	if !errors.Is(err, envelope.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRevocationStopsTraffic(t *testing.T) {
	n := testNode(t)
	ctx := context.Background()

	addr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "schema-scout"}
	key, err := n.RegisterAgent(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, addr, "db:read"); err != nil {
		t.Fatal(err)
	}
	if _, err := n.AdmitYAML(ctx, []byte(scoutYAML), func(*envelope.Envelope) {}); err != nil {
		t.Fatal(err)
	}

	env, err := n.NewEnvelope(addr.String(), "topic://ddl/discovered/pg",
		"application/json", headers(), map[string]string{"table": "users"}, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Publish(ctx, env); err != nil {
		t.Fatal(err)
	}

	if err := n.Revoke(ctx, addr); err != nil {
		t.Fatal(err)
	}

	env2, err := n.NewEnvelope(addr.String(), "topic://ddl/discovered/pg",
		"application/json", headers(), map[string]string{"table": "users"}, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Publish(ctx, env2); !errors.Is(err, router.ErrSenderRevoked) {
		t.Fatalf("expected ErrSenderRevoked after revocation, got %v", err)
	}

	cur, err := n.QueryAudit(ctx, ledger.Filter{Types: []ledger.RecordType{ledger.RecordRevocation}})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Next() {
		t.Fatal("revocation must be audited")
	}
}

func TestDurableLedgerNode(t *testing.T) {
	cfg := config.Load()
	cfg.LedgerPath = t.TempDir() + "/audit.db"
	n, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	ctx := context.Background()

	addr := identity.Address{Tenant: "acme", Node: "node-1", Agent: "schema-scout"}
	if _, err := n.RegisterAgent(ctx, addr); err != nil {
		t.Fatal(err)
	}
	if err := n.Registry().GrantScopes(ctx, addr, "db:read"); err != nil {
		t.Fatal(err)
	}
	if _, err := n.AdmitYAML(ctx, []byte(scoutYAML), func(*envelope.Envelope) {}); err != nil {
		t.Fatal(err)
	}

	cur, err := n.QueryAudit(ctx, ledger.Filter{Types: []ledger.RecordType{ledger.RecordAdmission}})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Next() {
		t.Fatal("admission must reach the durable ledger")
	}
}
