// Package fabric assembles the kernel components into one node: identity
// registry, policy evaluator, envelope router, admission scheduler, audit
// ledger and the reflex monitor. It is the single entry point embedders
// use; the subpackages stay independently testable.
package fabric

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/openi-ai/fabric/pkg/admission"
	"github.com/openi-ai/fabric/pkg/config"
	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
	"github.com/openi-ai/fabric/pkg/manifest"
	"github.com/openi-ai/fabric/pkg/policy"
	"github.com/openi-ai/fabric/pkg/reflex"
	"github.com/openi-ai/fabric/pkg/router"
)

// Node is a running fabric kernel.
type Node struct {
	cfg        *config.Config
	log        *slog.Logger
	registry   *identity.Registry
	evaluator  *policy.Evaluator
	audit      ledger.Ledger
	router     *router.Router
	scheduler  *admission.Scheduler
	monitor    *reflex.Monitor
	codec      *envelope.Codec
	masterSeed []byte
	sqlite     *ledger.SQLiteLedger
}

// Open builds a node from configuration. A LedgerPath selects the durable
// SQLite ledger (losing the reflex monitor's live stream); RedisAddr
// selects the shared publish limiter.
func Open(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	log := slog.Default().With("node", cfg.NodeName)

	n := &Node{
		cfg:      cfg,
		log:      log,
		registry: identity.NewRegistry(),
		codec:    envelope.NewCodec(),
	}

	eval, err := policy.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("policy evaluator: %w", err)
	}
	n.evaluator = eval

	var mem *ledger.MemoryLedger
	if cfg.LedgerPath != "" {
		sl, err := ledger.OpenSQLite(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		n.sqlite = sl
		n.audit = sl
	} else {
		mem = ledger.NewMemoryLedger()
		n.audit = mem
	}

	var store router.LimiterStore
	if cfg.RedisAddr != "" {
		store = router.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		store = router.NewMemoryLimiterStore()
	}
	limit := router.RateLimit{PerSecond: cfg.PublishPerSecond, Burst: cfg.PublishBurst}
	if limit.PerSecond <= 0 {
		limit = router.DefaultRateLimit
	}

	keys, err := identity.NewInMemoryKeySet()
	if err != nil {
		return nil, fmt.Errorf("keyset: %w", err)
	}

	n.router = router.New(n.registry, n.audit,
		router.WithLimiter(store, limit),
		router.WithLogger(log))
	n.scheduler = admission.NewScheduler(n.registry, n.evaluator, n.router, n.audit, keys).
		WithLogger(log)
	n.router.SetGate(n.scheduler)

	if mem != nil {
		n.monitor = reflex.NewMonitor(reflex.Config{
			ViolationLimit:  cfg.ReflexViolationLimit,
			ViolationWindow: cfg.ReflexViolationWindow,
			SpikeLimit:      cfg.ReflexSpikeLimit,
			SpikeWindow:     cfg.ReflexSpikeWindow,
		}, n.registry, n.audit).WithLogger(log)
		n.monitor.Attach(mem)
	}

	if cfg.MasterSeedHex != "" {
		seed, err := hex.DecodeString(cfg.MasterSeedHex)
		if err != nil {
			return nil, fmt.Errorf("master seed: %w", err)
		}
		n.masterSeed = seed
	}

	return n, nil
}

// Registry exposes identity management (registration, grants, revocation).
func (n *Node) Registry() *identity.Registry { return n.registry }

// Evaluator exposes the policy engine for registering operator rules.
func (n *Node) Evaluator() *policy.Evaluator { return n.evaluator }

// Ledger exposes the audit ledger for queries.
func (n *Node) Ledger() ledger.Ledger { return n.audit }

// RegisterAgent registers an identity for an agent address. When the node
// carries a master seed the keypair is derived deterministically from it;
// otherwise a fresh random keypair is generated. The private key is
// returned to hand to the agent runtime and never stored.
func (n *Node) RegisterAgent(ctx context.Context, addr identity.Address) (ed25519.PrivateKey, error) {
	var (
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		err  error
	)
	if len(n.masterSeed) > 0 {
		pub, priv, err = identity.DeriveKeypair(n.masterSeed, addr)
	} else {
		pub, priv, err = identity.GenerateKeypair()
	}
	if err != nil {
		return nil, err
	}
	if _, err := n.registry.Register(ctx, addr, identity.PublicKey{
		KeyID:   "key-1",
		Key:     pub,
		AddedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return priv, nil
}

// Admit runs the admission pipeline for a manifest; handler receives the
// envelopes for the manifest's declared inputs.
func (n *Node) Admit(ctx context.Context, m *manifest.Manifest, handler router.Handler) (*admission.AgentHandle, error) {
	return n.scheduler.Admit(ctx, m, handler)
}

// AdmitYAML decodes a YAML manifest and admits it.
func (n *Node) AdmitYAML(ctx context.Context, data []byte, handler router.Handler) (*admission.AgentHandle, error) {
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}
	return n.Admit(ctx, m, handler)
}

// Deactivate gracefully removes an admitted agent instance.
func (n *Node) Deactivate(ctx context.Context, addr identity.Address) error {
	return n.scheduler.Deactivate(ctx, addr)
}

// Revoke revokes the identity itself, tearing down any admitted instance.
func (n *Node) Revoke(ctx context.Context, addr identity.Address) error {
	return n.registry.Revoke(ctx, addr)
}

// NewEnvelope creates and signs an envelope from src with the given key.
func (n *Node) NewEnvelope(src, dest, ctype string, headers envelope.Headers, payload interface{}, key ed25519.PrivateKey) (*envelope.Envelope, error) {
	return n.codec.Create(src, dest, ctype, headers, payload, key)
}

// Subscribe binds an ad-hoc handler to a topic pattern or direct agent://
// address, outside any manifest. The destination must be a registered,
// unrevoked identity or deliveries to it are skipped.
func (n *Node) Subscribe(pattern string, dest identity.Address, h router.Handler) (string, error) {
	return n.router.Subscribe(pattern, dest, h)
}

// Unsubscribe removes a subscription created with Subscribe.
func (n *Node) Unsubscribe(id string) {
	n.router.Unsubscribe(id)
}

// Publish routes one signed envelope through verification, policy and
// delivery.
func (n *Node) Publish(ctx context.Context, env *envelope.Envelope) (*router.DeliveryReport, error) {
	return n.router.Publish(ctx, env)
}

// QueryAudit streams matching audit records.
func (n *Node) QueryAudit(ctx context.Context, f ledger.Filter) (*ledger.Cursor, error) {
	return n.audit.Query(ctx, f)
}

// Close shuts the node down: subscriptions drain, the durable ledger
// closes.
func (n *Node) Close() error {
	n.router.Close()
	if n.sqlite != nil {
		return n.sqlite.Close()
	}
	return nil
}
