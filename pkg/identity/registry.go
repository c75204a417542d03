package identity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RevocationHandler is notified after an identity is revoked. Handlers run
// synchronously under no registry lock, in registration order.
type RevocationHandler func(addr Address)

// Registry is the in-process identity and key registry.
//
// All operations on a single identity are linearizable: a Revoke that
// returns happens-before every subsequent Resolve or IsRevoked. The
// registry is an owned, internally-synchronized service; components receive
// a reference at construction, never through a global.
type Registry struct {
	mu       sync.RWMutex
	ids      map[string]*Identity // keyed by Address.String()
	clock    func() time.Time
	handlers []RevocationHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:   make(map[string]*Identity),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register creates an identity for addr with an initial verification key.
// Registering an existing address is an error; a revoked identity is never
// resurrected.
func (r *Registry) Register(ctx context.Context, addr Address, key PublicKey) (*Identity, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	k := addr.String()
	if _, exists := r.ids[k]; exists {
		return nil, fmt.Errorf("identity %s already registered", k)
	}
	if key.AddedAt.IsZero() {
		key.AddedAt = r.clock().UTC()
	}
	id := &Identity{
		Address:   addr,
		Keys:      []PublicKey{key},
		Scopes:    make(map[string]struct{}),
		CreatedAt: r.clock().UTC(),
	}
	r.ids[k] = id
	return copyIdentity(id), nil
}

// Resolve returns a copy of the identity for addr, or ErrNotFound.
// Revoked identities still resolve; callers check Revoked or use IsRevoked.
func (r *Registry) Resolve(ctx context.Context, addr Address) (*Identity, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.ids[addr.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return copyIdentity(id), nil
}

// IsRevoked reports the revocation status of addr. Unknown identities are
// treated as revoked: absence of a positive identity is untrusted.
func (r *Registry) IsRevoked(ctx context.Context, addr Address) bool {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.ids[addr.String()]
	if !ok {
		return true
	}
	return id.Revoked
}

// GrantScopes adds capability scopes to an identity. Scope strings are
// normalized and validated; a single malformed scope fails the whole grant.
func (r *Registry) GrantScopes(ctx context.Context, addr Address, scopes ...string) error {
	_ = ctx
	normalized := make([]string, 0, len(scopes))
	for _, s := range scopes {
		n, err := NormalizeScope(s)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[addr.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if id.Revoked {
		return fmt.Errorf("%w: %s", ErrRevoked, addr)
	}
	for _, s := range normalized {
		id.Scopes[s] = struct{}{}
	}
	return nil
}

// RegisterKey adds a new verification key for zero-downtime rotation. The
// previous keys remain valid until explicitly revoked, so signatures under
// either key verify during the overlap window.
func (r *Registry) RegisterKey(ctx context.Context, addr Address, key PublicKey) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[addr.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if id.Revoked {
		return fmt.Errorf("%w: %s", ErrRevoked, addr)
	}
	for _, k := range id.Keys {
		if k.KeyID == key.KeyID {
			return fmt.Errorf("key %s already registered for %s", key.KeyID, addr)
		}
	}
	if key.AddedAt.IsZero() {
		key.AddedAt = r.clock().UTC()
	}
	id.Keys = append(id.Keys, key)
	return nil
}

// RevokeKey ends the validity of a single verification key, closing a
// rotation overlap window.
func (r *Registry) RevokeKey(ctx context.Context, addr Address, keyID string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[addr.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	for i := range id.Keys {
		if id.Keys[i].KeyID == keyID {
			id.Keys[i].Revoked = true
			return nil
		}
	}
	return fmt.Errorf("%w: key %s of %s", ErrNotFound, keyID, addr)
}

// Revoke marks an identity revoked. Idempotent. The revocation is visible
// to every call that starts after Revoke returns; registered handlers are
// then notified so dependent state (subscriptions, admissions) is torn down.
func (r *Registry) Revoke(ctx context.Context, addr Address) error {
	_ = ctx
	r.mu.Lock()
	id, ok := r.ids[addr.String()]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	already := id.Revoked
	if !already {
		id.Revoked = true
		id.RevokedAt = r.clock().UTC()
	}
	handlers := make([]RevocationHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	if !already {
		for _, h := range handlers {
			h(addr)
		}
	}
	return nil
}

// OnRevoke registers a handler invoked after each successful revocation.
func (r *Registry) OnRevoke(h RevocationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func copyIdentity(id *Identity) *Identity {
	dup := *id
	dup.Keys = make([]PublicKey, len(id.Keys))
	copy(dup.Keys, id.Keys)
	dup.Scopes = make(map[string]struct{}, len(id.Scopes))
	for s := range id.Scopes {
		dup.Scopes[s] = struct{}{}
	}
	return &dup
}
