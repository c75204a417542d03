package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openi-ai/fabric/pkg/canonicalize"
)

// Codec constructs, canonicalizes, signs and verifies envelopes.
//
// Creation and verification are purely functional apart from id generation:
// the codec holds a monotonic ULID source so ids are globally unique and
// strictly increasing even under concurrent callers on the same node.
type Codec struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	clock   func() time.Time
}

// NewCodec creates a codec with a crypto-seeded monotonic id source.
func NewCodec() *Codec {
	return &Codec{
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Codec) WithClock(clock func() time.Time) *Codec {
	c.clock = clock
	return c
}

// NewID returns a fresh time-sortable envelope id. Safe for concurrent use;
// ids issued by one codec are strictly increasing.
func (c *Codec) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.clock().UTC()), c.entropy).String()
}

// Create builds and signs an envelope in one step. The payload is marshaled
// to JSON; headers are copied so the caller's map is never aliased. The
// returned envelope is immutable by contract.
func (c *Codec) Create(src, dest, ctype string, headers Headers, payload interface{}, key ed25519.PrivateKey) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not serializable: %v", ErrMalformed, err)
	}

	env := &Envelope{
		V:       Version,
		ID:      c.NewID(),
		Src:     src,
		Dest:    dest,
		TS:      c.clock().UTC().Format(time.RFC3339Nano),
		CType:   ctype,
		Headers: make(Headers, len(headers)),
		Payload: raw,
	}
	for k, v := range headers {
		env.Headers[k] = v
	}
	if _, ok := env.Headers[HeaderTraceID]; !ok {
		env.Headers[HeaderTraceID] = c.NewID()
	}

	if err := checkShape(env); err != nil {
		return nil, err
	}
	if err := Sign(env, key); err != nil {
		return nil, err
	}
	return env, nil
}

// Sign computes the detached signature over the canonical form of env
// (excluding sig) and attaches it.
func Sign(env *Envelope, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: signing key has wrong size", ErrMalformed)
	}
	canonical, err := CanonicalBytes(env)
	if err != nil {
		return err
	}
	env.Sig = base64.StdEncoding.EncodeToString(ed25519.Sign(key, canonical))
	return nil
}

// CanonicalBytes returns the RFC 8785 canonical serialization of env with
// the sig field removed. This is the signing base.
func CanonicalBytes(env *Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.Sig = ""
	canonical, err := canonicalize.JCS(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return canonical, nil
}

// Verify checks structure, expiry and signature against the given public
// key, using the wall clock for expiry.
func (c *Codec) Verify(env *Envelope, pub ed25519.PublicKey) error {
	return VerifyAt(env, pub, c.clock())
}

// VerifyAt is Verify with an explicit evaluation time, for deterministic
// testing and for replay of historical traffic.
func VerifyAt(env *Envelope, pub ed25519.PublicKey, now time.Time) error {
	if err := checkShape(env); err != nil {
		return err
	}
	if env.Sig == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}

	expires, err := env.ExpiresAt()
	if err != nil {
		return err
	}
	if now.After(expires) {
		return fmt.Errorf("%w: id=%s expired at %s", ErrExpired, env.ID, expires.Format(time.RFC3339Nano))
	}

	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key has wrong size", ErrMalformed)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", ErrMalformed)
	}
	canonical, err := CanonicalBytes(env)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return fmt.Errorf("%w: id=%s", ErrIntegrity, env.ID)
	}
	return nil
}

// checkShape validates required fields and their semantic types.
func checkShape(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if env.V != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, env.V)
	}
	if _, err := ulid.ParseStrict(env.ID); err != nil {
		return fmt.Errorf("%w: id is not a valid ULID", ErrMalformed)
	}
	if !validSource(env.Src) {
		return fmt.Errorf("%w: src %q is not an agent address", ErrMalformed, env.Src)
	}
	if !validDest(env.Dest) {
		return fmt.Errorf("%w: dest %q is neither a topic nor an agent address", ErrMalformed, env.Dest)
	}
	if _, err := env.CreatedAt(); err != nil {
		return fmt.Errorf("%w: ts is not RFC3339", ErrMalformed)
	}
	if env.CType == "" {
		return fmt.Errorf("%w: missing ctype", ErrMalformed)
	}
	if env.Headers == nil {
		return errMissingHeader(HeaderTTL)
	}
	if _, err := env.ttl(); err != nil {
		return err
	}
	if _, ok := env.Headers[HeaderTraceID]; !ok {
		return errMissingHeader(HeaderTraceID)
	}
	if _, ok := env.Headers[HeaderScopes]; !ok {
		return errMissingHeader(HeaderScopes)
	}
	return nil
}

// validSource checks the agent://tenant/node/agent triple shape.
func validSource(src string) bool {
	rest, ok := strings.CutPrefix(src, "agent://")
	if !ok {
		return false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func validDest(dest string) bool {
	if rest, ok := strings.CutPrefix(dest, "topic://"); ok {
		return rest != "" && !strings.HasPrefix(rest, "/")
	}
	return validSource(dest)
}

// TTLHeader formats a ttl_ms header value.
func TTLHeader(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
