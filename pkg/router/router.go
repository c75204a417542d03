package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
	"github.com/openi-ai/fabric/pkg/policy"
	"github.com/openi-ai/fabric/pkg/retry"
)

var (
	// ErrUnknownSender indicates the envelope source is not a registered
	// identity on this node.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrSenderRevoked indicates the source identity has been revoked.
	ErrSenderRevoked = errors.New("sender is revoked")

	// ErrRateLimited indicates the sender exhausted its publish budget.
	ErrRateLimited = errors.New("publish rate limit exceeded")

	// ErrRouterClosed indicates the router has been shut down.
	ErrRouterClosed = errors.New("router is closed")
)

// Gate decides whether a verified envelope may be delivered. The admission
// scheduler implements it with the sender's manifest policy set.
type Gate interface {
	CheckPublish(ctx context.Context, env *envelope.Envelope, sender *identity.Identity) (*policy.Outcome, error)
}

// Handler receives delivered envelopes. Handlers for one subscription run
// sequentially in publish order; distinct subscriptions run independently.
//
// Delivery is at-least-once only up to mailbox capacity: a subscriber whose
// mailbox is full at publish time loses that envelope permanently. The drop
// is counted in DeliveryReport.Dropped; dedup by envelope id cannot recover
// it because it is never redelivered.
type Handler func(env *envelope.Envelope)

// DeliveryReport summarizes one publish.
type DeliveryReport struct {
	EnvelopeID string
	Matched    int
	Delivered  int
	Denied     int
	// Dropped counts subscribers whose mailbox was full. Those envelopes
	// are gone for those subscribers; there is no redelivery.
	Dropped int
	Outcome *policy.Outcome
}

const mailboxDepth = 256

type subscription struct {
	id      string
	pattern Pattern
	direct  string // exact agent:// destination, mutually exclusive with pattern
	dest    identity.Address
	mailbox chan *envelope.Envelope
	done    chan struct{}
}

func (s *subscription) matches(env *envelope.Envelope, t Topic) bool {
	if s.direct != "" {
		return env.Dest == s.direct
	}
	return env.IsTopic() && s.pattern.Match(t)
}

// Router fans verified, policy-gated envelopes out to subscribers.
//
// Publish never blocks on slow consumers: each subscription owns a bounded
// mailbox drained by its own goroutine, and a full mailbox drops the
// envelope for that subscriber only.
type Router struct {
	registry *identity.Registry
	audit    ledger.Ledger
	gate     Gate
	limiter  LimiterStore
	limit    RateLimit
	retry    retry.Policy
	log      *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription // key: pattern|dest
	closed bool
}

// Option configures a Router.
type Option func(*Router)

// WithGate installs the policy gate consulted on every publish.
func WithGate(g Gate) Option { return func(r *Router) { r.gate = g } }

// WithLimiter installs a publish rate limiter.
func WithLimiter(store LimiterStore, lim RateLimit) Option {
	return func(r *Router) { r.limiter = store; r.limit = lim }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option { return func(r *Router) { r.log = log } }

// WithRetry overrides the backoff policy for audit ledger appends.
func WithRetry(p retry.Policy) Option { return func(r *Router) { r.retry = p } }

// SetGate installs the policy gate after construction. The admission
// scheduler needs the router to exist before it can become its gate.
func (r *Router) SetGate(g Gate) {
	r.mu.Lock()
	r.gate = g
	r.mu.Unlock()
}

// New creates a router over the given identity registry and audit ledger.
func New(registry *identity.Registry, audit ledger.Ledger, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		audit:    audit,
		retry:    retry.DefaultPolicy,
		log:      slog.Default(),
		subs:     make(map[string]*subscription),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe binds a destination address to a topic pattern or a direct
// agent:// address. Subscribing the same (pattern, dest) pair twice is a
// no-op returning the existing subscription id.
func (r *Router) Subscribe(pattern string, dest identity.Address, h Handler) (string, error) {
	var (
		p      Pattern
		direct string
	)
	switch {
	case len(pattern) >= len(agentScheme) && pattern[:len(agentScheme)] == agentScheme:
		if _, err := identity.ParseAddress(pattern); err != nil {
			return "", fmt.Errorf("direct subscription: %w", err)
		}
		direct = pattern
	default:
		var err error
		p, err = ParsePattern(pattern)
		if err != nil {
			return "", err
		}
	}

	key := pattern + "|" + dest.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRouterClosed
	}
	if existing, ok := r.subs[key]; ok {
		return existing.id, nil
	}

	sub := &subscription{
		id:      key,
		pattern: p,
		direct:  direct,
		dest:    dest,
		mailbox: make(chan *envelope.Envelope, mailboxDepth),
		done:    make(chan struct{}),
	}
	r.subs[key] = sub
	go pump(sub, h)
	return sub.id, nil
}

func pump(sub *subscription, h Handler) {
	for env := range sub.mailbox {
		h(env)
	}
	close(sub.done)
}

// Unsubscribe removes a subscription by id. Unknown ids are a no-op.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if ok {
		close(sub.mailbox)
	}
}

// UnsubscribeAll removes every subscription owned by dest. The admission
// scheduler calls this when an agent is revoked or deactivated.
func (r *Router) UnsubscribeAll(dest identity.Address) {
	want := dest.String()
	r.mu.Lock()
	var removed []*subscription
	for key, sub := range r.subs {
		if sub.dest.String() == want {
			delete(r.subs, key)
			removed = append(removed, sub)
		}
	}
	r.mu.Unlock()
	for _, sub := range removed {
		close(sub.mailbox)
	}
}

// Publish verifies, gates and delivers one envelope. Zero matching
// subscriptions is a success. A policy denial or verification failure is
// recorded to the audit ledger before the error returns; a ledger append
// failure aborts the delivery.
func (r *Router) Publish(ctx context.Context, env *envelope.Envelope) (*DeliveryReport, error) {
	report := &DeliveryReport{EnvelopeID: env.ID}

	if r.limiter != nil {
		ok, err := r.limiter.Allow(ctx, env.Src, r.limit, 1)
		if err != nil {
			return report, fmt.Errorf("limiter: %w", err)
		}
		if !ok {
			return report, fmt.Errorf("%w: %s", ErrRateLimited, env.Src)
		}
	}

	srcAddr, err := identity.ParseAddress(env.Src)
	if err != nil {
		return report, fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
	}
	sender, err := r.registry.Resolve(ctx, srcAddr)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return report, fmt.Errorf("%w: %s", ErrUnknownSender, env.Src)
		}
		return report, err
	}
	if sender.Revoked {
		if err := r.record(ctx, env, ledger.RecordViolation, "deny", false, "sender revoked"); err != nil {
			return report, err
		}
		return report, fmt.Errorf("%w: %s", ErrSenderRevoked, env.Src)
	}

	if err := verifyAgainst(env, sender); err != nil {
		if recErr := r.record(ctx, env, ledger.RecordViolation, "deny", false, err.Error()); recErr != nil {
			return report, recErr
		}
		return report, err
	}

	r.mu.RLock()
	gate := r.gate
	r.mu.RUnlock()
	if gate != nil {
		outcome, err := gate.CheckPublish(ctx, env, sender)
		report.Outcome = outcome
		if err != nil {
			if recErr := r.record(ctx, env, ledger.RecordViolation, "deny", false, err.Error()); recErr != nil {
				return report, recErr
			}
			return report, err
		}
		if outcome.Decision.Blocks() {
			if recErr := r.record(ctx, env, ledger.RecordViolation, "deny", outcome.Alert, denyReason(outcome)); recErr != nil {
				return report, recErr
			}
			report.Denied = 1
			return report, nil
		}
		if outcome.Alert {
			r.log.Warn("policy alert on publish",
				"envelope", env.ID, "src", env.Src, "reason", denyReason(outcome))
		}
	}

	var topic Topic
	if env.IsTopic() {
		topic, err = ParseTopic(env.Dest)
		if err != nil {
			return report, err
		}
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return report, ErrRouterClosed
	}
	var targets []*subscription
	for _, sub := range r.subs {
		if sub.matches(env, topic) {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()
	report.Matched = len(targets)

	alert := report.Outcome != nil && report.Outcome.Alert
	if err := r.record(ctx, env, ledger.RecordDelivery, "allow", alert, ""); err != nil {
		return report, err
	}

	for _, sub := range targets {
		if r.registry.IsRevoked(ctx, sub.dest) {
			report.Denied++
			continue
		}
		select {
		case sub.mailbox <- env.Clone():
			report.Delivered++
		default:
			report.Dropped++
			r.log.Warn("mailbox full, dropping envelope",
				"envelope", env.ID, "subscriber", sub.dest.String())
		}
	}
	return report, nil
}

// Close removes all subscriptions and waits for in-flight deliveries to
// drain.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		close(sub.mailbox)
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-time.After(5 * time.Second):
			r.log.Warn("subscription drain timed out", "subscriber", sub.dest.String())
		}
	}
}

func verifyAgainst(env *envelope.Envelope, sender *identity.Identity) error {
	keys := sender.ActiveKeys()
	if len(keys) == 0 {
		return fmt.Errorf("%w: no active keys for %s", envelope.ErrIntegrity, env.Src)
	}
	var last error
	for _, pub := range keys {
		if err := envelope.VerifyAt(env, pub, time.Now()); err == nil {
			return nil
		} else if !errors.Is(err, envelope.ErrIntegrity) {
			// Expiry or shape failures do not improve with another key.
			return err
		} else {
			last = err
		}
	}
	return last
}

// record appends one audit record, retrying transient ledger failures with
// bounded backoff. Exhausting the retries surfaces the append error.
func (r *Router) record(ctx context.Context, env *envelope.Envelope, typ ledger.RecordType, decision string, alert bool, reason string) error {
	return retry.Do(ctx, r.retry, "audit-append:"+env.ID, func(ctx context.Context) error {
		_, err := r.audit.Append(ctx, &ledger.Record{
			Type:     typ,
			Actor:    env.Src,
			Decision: decision,
			Alert:    alert,
			Ref:      env.ID,
			Reason:   reason,
			Metadata: map[string]string{
				"dest":     env.Dest,
				"trace_id": env.TraceID(),
			},
		})
		return err
	})
}

func denyReason(out *policy.Outcome) string {
	for _, f := range out.Findings {
		if f.Decision == policy.Deny {
			return f.Policy + ": " + f.Reason
		}
	}
	for _, f := range out.Findings {
		if f.Decision == policy.AlertAllow {
			return f.Policy + ": " + f.Reason
		}
	}
	return ""
}
