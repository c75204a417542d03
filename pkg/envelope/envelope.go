// Package envelope implements the fabric message envelope: an immutable,
// signed, typed message unit exchanged between agents.
//
// An envelope is signed at creation over its RFC 8785 canonical form
// (excluding the signature field) and verified at every hop. Once signed it
// is never mutated; any field change invalidates the signature.
package envelope

import (
	"encoding/json"
	"strings"
	"time"
)

// Version is the envelope schema version.
const Version = 1

// Well-known header keys. Every envelope carries at least these three.
const (
	HeaderTraceID = "trace_id"
	HeaderTTL     = "ttl_ms"
	HeaderScopes  = "scopes"
)

// Headers maps header keys to string values.
type Headers map[string]string

// Envelope is a single message unit on the fabric wire.
//
// Field names follow the wire shape exactly: the signature covers every
// field except sig itself, canonically ordered.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`   // ULID, time-sortable
	Src     string          `json:"src"`  // agent://tenant/node/agent
	Dest    string          `json:"dest"` // topic://... or agent://...
	TS      string          `json:"ts"`   // RFC3339
	CType   string          `json:"ctype"`
	Headers Headers         `json:"headers"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig,omitempty"` // base64 detached signature
}

// TraceID returns the trace identifier header, or "" if absent.
func (e *Envelope) TraceID() string {
	return e.Headers[HeaderTraceID]
}

// Scopes returns the scope strings declared in the scopes header.
func (e *Envelope) Scopes() []string {
	raw := strings.TrimSpace(e.Headers[HeaderScopes])
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// CreatedAt parses the envelope timestamp.
func (e *Envelope) CreatedAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.TS)
}

// ExpiresAt returns the creation time plus the ttl_ms header. TTL is
// measured from envelope creation, not from last hop.
func (e *Envelope) ExpiresAt() (time.Time, error) {
	created, err := e.CreatedAt()
	if err != nil {
		return time.Time{}, err
	}
	ttl, err := e.ttl()
	if err != nil {
		return time.Time{}, err
	}
	return created.Add(ttl), nil
}

func (e *Envelope) ttl() (time.Duration, error) {
	raw, ok := e.Headers[HeaderTTL]
	if !ok {
		return 0, errMissingHeader(HeaderTTL)
	}
	var ms int64
	if err := json.Unmarshal([]byte(raw), &ms); err != nil || ms <= 0 {
		return 0, errBadHeader(HeaderTTL, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// IsTopic reports whether the destination is a topic address.
func (e *Envelope) IsTopic() bool {
	return strings.HasPrefix(e.Dest, "topic://")
}

// IsDirect reports whether the destination is a direct agent address.
func (e *Envelope) IsDirect() bool {
	return strings.HasPrefix(e.Dest, "agent://")
}

// Clone returns a deep copy. Receivers get copies so the original signed
// bytes can never be mutated through a delivered reference.
func (e *Envelope) Clone() *Envelope {
	dup := *e
	dup.Headers = make(Headers, len(e.Headers))
	for k, v := range e.Headers {
		dup.Headers[k] = v
	}
	dup.Payload = append(json.RawMessage(nil), e.Payload...)
	return &dup
}
