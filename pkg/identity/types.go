// Package identity resolves fabric addresses to public keys and capability
// scopes, and tracks revocation.
//
// The registry is the single source of truth for who may sign traffic and
// what they are allowed to do. Revocation is visible to all subsequent
// lookups immediately; there is no caching window.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound indicates the address is not registered.
	ErrNotFound = errors.New("identity not found")

	// ErrRevoked indicates the identity exists but has been revoked.
	ErrRevoked = errors.New("identity revoked")

	// ErrInvalidAddress indicates the address does not parse as
	// agent://tenant/node/agent.
	ErrInvalidAddress = errors.New("invalid agent address")

	// ErrInvalidScope indicates a malformed capability scope string.
	ErrInvalidScope = errors.New("invalid scope string")
)

// Address is the tenant/node/agent triple behind an agent:// URI.
type Address struct {
	Tenant string
	Node   string
	Agent  string
}

// ParseAddress parses agent://tenant/node/agent.
func ParseAddress(s string) (Address, error) {
	rest, ok := strings.CutPrefix(s, "agent://")
	if !ok {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{Tenant: parts[0], Node: parts[1], Agent: parts[2]}, nil
}

// String renders the agent:// URI form.
func (a Address) String() string {
	return "agent://" + a.Tenant + "/" + a.Node + "/" + a.Agent
}

// scopePattern matches capability strings like "db:read" or "phi:read".
var scopePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*:[a-z0-9][a-z0-9_.-]*$`)

// NormalizeScope NFC-normalizes and validates a capability scope string.
func NormalizeScope(s string) (string, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	if !scopePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	return s, nil
}

// PublicKey is one verification key of an identity, tagged for rotation.
type PublicKey struct {
	KeyID   string            `json:"key_id"`
	Key     ed25519.PublicKey `json:"key"`
	AddedAt time.Time         `json:"added_at"`
	Revoked bool              `json:"revoked"`
}

// Identity represents a tenant, node, or agent instance known to the fabric.
//
// Registry methods return copies; mutating a returned Identity has no effect
// on registry state.
type Identity struct {
	Address   Address             `json:"address"`
	Keys      []PublicKey         `json:"keys"`
	Scopes    map[string]struct{} `json:"scopes"`
	Revoked   bool                `json:"revoked"`
	RevokedAt time.Time           `json:"revoked_at,omitzero"`
	CreatedAt time.Time           `json:"created_at"`
}

// HasScope reports whether the identity holds the given capability scope.
func (id *Identity) HasScope(scope string) bool {
	_, ok := id.Scopes[scope]
	return ok
}

// ActiveKeys returns the verification keys that have not been individually
// revoked. During a rotation overlap window this is more than one key.
func (id *Identity) ActiveKeys() []ed25519.PublicKey {
	keys := make([]ed25519.PublicKey, 0, len(id.Keys))
	for _, k := range id.Keys {
		if !k.Revoked {
			keys = append(keys, k.Key)
		}
	}
	return keys
}
