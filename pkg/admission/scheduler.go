package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
	"github.com/openi-ai/fabric/pkg/manifest"
	"github.com/openi-ai/fabric/pkg/policy"
	"github.com/openi-ai/fabric/pkg/retry"
	"github.com/openi-ai/fabric/pkg/router"
)

// tokenTTL bounds capability token lifetime; revocation is still checked
// live, the token only caches granted scopes.
const tokenTTL = 24 * time.Hour

type instance struct {
	id       string
	addr     identity.Address
	manifest *manifest.Manifest
	state    State
	subIDs   []string
}

// Scheduler owns the admission state machine for every agent instance on
// the node and acts as the router's policy gate.
type Scheduler struct {
	registry  *identity.Registry
	evaluator *policy.Evaluator
	router    *router.Router
	audit     ledger.Ledger
	keys      identity.KeySet
	log       *slog.Logger
	clock     func() time.Time
	retry     retry.Policy

	mu        sync.Mutex
	instances map[string]*instance // keyed by address string
}

// NewScheduler wires the scheduler into the registry's revocation stream:
// revoking an identity immediately tears down its instance.
func NewScheduler(reg *identity.Registry, eval *policy.Evaluator, rt *router.Router,
	audit ledger.Ledger, keys identity.KeySet) *Scheduler {
	s := &Scheduler{
		registry:  reg,
		evaluator: eval,
		router:    rt,
		audit:     audit,
		keys:      keys,
		log:       slog.Default(),
		clock:     time.Now,
		retry:     retry.DefaultPolicy,
		instances: make(map[string]*instance),
	}
	reg.OnRevoke(s.onRevoke)
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// WithLogger overrides the default logger.
func (s *Scheduler) WithLogger(log *slog.Logger) *Scheduler {
	s.log = log
	return s
}

// WithRetry overrides the backoff policy for audit ledger appends.
func (s *Scheduler) WithRetry(p retry.Policy) *Scheduler {
	s.retry = p
	return s
}

// Admit runs the full admission pipeline for a manifest. The identity must
// already be registered and hold every scope the manifest's permissions
// request; handler receives envelopes for the manifest's declared inputs.
//
// On rejection the returned error is an *AdmissionError and a deny record
// is appended to the ledger. A ledger write failure fails the admission.
func (s *Scheduler) Admit(ctx context.Context, m *manifest.Manifest, handler router.Handler) (*AgentHandle, error) {
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	addr := m.Address()
	key := addr.String()

	inst := &instance{
		id:       uuid.New().String(),
		addr:     addr,
		manifest: m,
		state:    StatePending,
	}

	s.mu.Lock()
	if existing, ok := s.instances[key]; ok && !existing.state.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAdmitted, key)
	}
	s.instances[key] = inst
	inst.state = StateEvaluating
	s.mu.Unlock()

	handle, err := s.evaluate(ctx, inst, handler)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *Scheduler) evaluate(ctx context.Context, inst *instance, handler router.Handler) (*AgentHandle, error) {
	m := inst.manifest
	addr := inst.addr

	id, err := s.registry.Resolve(ctx, addr)
	if err != nil {
		if rerr := s.reject(ctx, inst, err.Error()); rerr != nil {
			return nil, rerr
		}
		return nil, &AdmissionError{Address: addr, Reason: err.Error()}
	}
	if id.Revoked {
		if rerr := s.reject(ctx, inst, "identity is revoked"); rerr != nil {
			return nil, rerr
		}
		return nil, &AdmissionError{Address: addr, Reason: "identity is revoked"}
	}

	// Deny by default: every requested permission needs a granted scope.
	var missing []string
	granted := make([]string, 0, len(m.Spec.Permissions))
	for _, p := range m.Spec.Permissions {
		scope := p.Scope()
		if !id.HasScope(scope) {
			missing = append(missing, scope)
			continue
		}
		granted = append(granted, scope)
	}
	if len(missing) > 0 {
		if rerr := s.reject(ctx, inst, "missing scopes: "+fmt.Sprint(missing)); rerr != nil {
			return nil, rerr
		}
		return nil, &AdmissionError{Address: addr, MissingScopes: missing}
	}

	outcome, err := s.evaluator.EvaluateAll(ctx, m.Spec.Policies, &policy.Context{
		Kind:     policy.KindAdmission,
		Manifest: m,
		Sender:   id,
		Now:      s.clock(),
	})
	if err != nil {
		if rerr := s.reject(ctx, inst, err.Error()); rerr != nil {
			return nil, rerr
		}
		return nil, &AdmissionError{Address: addr, Outcome: outcome, Reason: err.Error()}
	}
	if outcome.Decision.Blocks() {
		reason := blockedReason(outcome)
		if rerr := s.reject(ctx, inst, reason); rerr != nil {
			return nil, rerr
		}
		return nil, &AdmissionError{Address: addr, Outcome: outcome, Reason: reason}
	}
	if outcome.Alert {
		s.log.Warn("admission policy alert", "agent", addr.String(), "reason", blockedReason(outcome))
	}

	now := s.clock()
	token, err := s.keys.Sign(ctx, &identity.CapabilityClaims{
		Scopes:   granted,
		Instance: inst.id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	if err != nil {
		if rerr := s.reject(ctx, inst, "token mint failed: "+err.Error()); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("mint capability token: %w", err)
	}

	var subIDs []string
	for _, in := range m.Spec.Inputs {
		subID, err := s.router.Subscribe(in.Topic, addr, handler)
		if err != nil {
			for _, sid := range subIDs {
				s.router.Unsubscribe(sid)
			}
			if rerr := s.reject(ctx, inst, "input binding failed: "+err.Error()); rerr != nil {
				return nil, rerr
			}
			return nil, fmt.Errorf("bind input %s: %w", in.Name, err)
		}
		subIDs = append(subIDs, subID)
	}

	// Commit. A revocation that raced the evaluation has already flipped
	// the state; it must win, never leaving a ghost admitted instance.
	s.mu.Lock()
	if inst.state != StateEvaluating || s.registry.IsRevoked(ctx, addr) {
		inst.state = StateRevoked
		s.mu.Unlock()
		s.router.UnsubscribeAll(addr)
		s.record(ctx, inst, ledger.RecordAdmission, "deny", "revoked during admission")
		return nil, &AdmissionError{Address: addr, Reason: "revoked during admission"}
	}
	inst.state = StateAdmitted
	inst.subIDs = subIDs
	s.mu.Unlock()

	if err := s.record(ctx, inst, ledger.RecordAdmission, "allow", ""); err != nil {
		// No audit record, no admission.
		s.teardown(ctx, addr, "audit append failed")
		return nil, err
	}

	s.log.Info("agent admitted", "agent", addr.String(), "instance", inst.id,
		"inputs", len(m.Spec.Inputs), "scopes", len(granted))
	return &AgentHandle{
		Instance:   inst.id,
		Address:    addr,
		Manifest:   m,
		Token:      token,
		AdmittedAt: now,
	}, nil
}

// Deactivate gracefully removes an admitted instance: subscriptions are
// torn down and a revocation record is appended, but the identity itself
// stays valid for future admissions.
func (s *Scheduler) Deactivate(ctx context.Context, addr identity.Address) error {
	s.mu.Lock()
	inst, ok := s.instances[addr.String()]
	if !ok || inst.state != StateAdmitted {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAdmitted, addr.String())
	}
	inst.state = StateRevoked
	s.mu.Unlock()

	s.router.UnsubscribeAll(addr)
	return s.record(ctx, inst, ledger.RecordRevocation, "allow", "deactivated")
}

// StateOf returns the lifecycle state for an address. Unknown addresses
// report StateRevoked: an instance the scheduler has never admitted has no
// standing on the fabric.
func (s *Scheduler) StateOf(addr identity.Address) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[addr.String()]; ok {
		return inst.state
	}
	return StateRevoked
}

// VerifyToken checks a capability token minted by this scheduler.
func (s *Scheduler) VerifyToken(raw string) (*identity.CapabilityClaims, error) {
	return identity.ParseCapabilityToken(s.keys, raw)
}

// CheckPublish implements router.Gate: the sender must hold an admitted
// instance, publish only to its declared outputs, and pass its manifest's
// policy set.
func (s *Scheduler) CheckPublish(ctx context.Context, env *envelope.Envelope, sender *identity.Identity) (*policy.Outcome, error) {
	s.mu.Lock()
	inst, ok := s.instances[sender.Address.String()]
	if !ok || inst.state != StateAdmitted {
		s.mu.Unlock()
		return denyOutcome("admission-state", "sender has no admitted instance"),
			fmt.Errorf("%w: %s", ErrNotAdmitted, sender.Address.String())
	}
	m := inst.manifest
	s.mu.Unlock()

	// Deny by default: a topic publish must match a declared output, so a
	// manifest declaring no outputs cannot publish to any topic.
	if env.IsTopic() && !declaresOutput(m, env.Dest) {
		return denyOutcome("declared-outputs", "destination not among declared outputs"), nil
	}

	pctx := &policy.Context{
		Kind:     policy.KindPublish,
		Envelope: env,
		Manifest: m,
		Sender:   sender,
		Now:      s.clock(),
	}
	if env.IsDirect() {
		if destAddr, err := identity.ParseAddress(env.Dest); err == nil {
			if receiver, err := s.registry.Resolve(ctx, destAddr); err == nil {
				pctx.Receiver = receiver
			}
		}
	}
	return s.evaluator.EvaluateAll(ctx, m.Spec.Policies, pctx)
}

func declaresOutput(m *manifest.Manifest, dest string) bool {
	for _, out := range m.Spec.Outputs {
		if out.Topic == dest {
			return true
		}
	}
	return false
}

func denyOutcome(name, reason string) *policy.Outcome {
	f := policy.Finding{Policy: name, Decision: policy.Deny, Reason: reason}
	return &policy.Outcome{Decision: policy.Deny, Findings: []policy.Finding{f}}
}

func blockedReason(out *policy.Outcome) string {
	for _, f := range out.Findings {
		if f.Decision != policy.Allow {
			return f.Policy + ": " + f.Reason
		}
	}
	return "policy denied"
}

func (s *Scheduler) onRevoke(addr identity.Address) {
	s.mu.Lock()
	inst, ok := s.instances[addr.String()]
	if !ok || inst.state.Terminal() {
		s.mu.Unlock()
		return
	}
	inst.state = StateRevoked
	s.mu.Unlock()

	s.router.UnsubscribeAll(addr)
	if err := s.record(context.Background(), inst, ledger.RecordRevocation, "allow", "identity revoked"); err != nil {
		s.log.Error("revocation audit append failed", "agent", addr.String(), "error", err)
	}
	s.log.Info("agent revoked", "agent", addr.String(), "instance", inst.id)
}

func (s *Scheduler) teardown(ctx context.Context, addr identity.Address, reason string) {
	s.mu.Lock()
	if inst, ok := s.instances[addr.String()]; ok {
		inst.state = StateRevoked
	}
	s.mu.Unlock()
	s.router.UnsubscribeAll(addr)
	s.log.Error("admission rolled back", "agent", addr.String(), "reason", reason)
}

// reject marks the instance rejected and appends the deny record. The
// append failure is returned: a rejection that cannot be audited fails the
// admission with the ledger error, not the policy one.
func (s *Scheduler) reject(ctx context.Context, inst *instance, reason string) error {
	s.mu.Lock()
	inst.state = StateRejected
	s.mu.Unlock()
	return s.record(ctx, inst, ledger.RecordAdmission, "deny", reason)
}

// record appends one audit record, retrying transient ledger failures with
// bounded backoff before giving up.
func (s *Scheduler) record(ctx context.Context, inst *instance, typ ledger.RecordType, decision, reason string) error {
	return retry.Do(ctx, s.retry, "audit-append:"+inst.id, func(ctx context.Context) error {
		_, err := s.audit.Append(ctx, &ledger.Record{
			Type:     typ,
			Actor:    inst.addr.String(),
			Decision: decision,
			Ref:      inst.id,
			Reason:   reason,
			Metadata: map[string]string{
				"agent":   inst.manifest.Metadata.Name,
				"runtime": inst.manifest.Spec.Runtime.Kind,
			},
		})
		return err
	})
}
