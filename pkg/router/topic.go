// Package router implements topic-based envelope routing between admitted
// agents. Destinations are either hierarchical topics (topic://ddl/discovered/pg)
// or direct agent addresses (agent://tenant/node/agent). Subscriptions carry
// wildcard patterns: "*" matches exactly one segment, a trailing "**" matches
// one or more remaining segments.
package router

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	topicScheme = "topic://"
	agentScheme = "agent://"
)

// ErrInvalidTopic indicates a malformed topic or pattern.
var ErrInvalidTopic = errors.New("invalid topic")

// Topic is a parsed, normalized topic path.
type Topic struct {
	segments []string
}

// ParseTopic parses and NFC-normalizes a topic://... destination.
func ParseTopic(raw string) (Topic, error) {
	if !strings.HasPrefix(raw, topicScheme) {
		return Topic{}, fmt.Errorf("%w: %q lacks topic:// scheme", ErrInvalidTopic, raw)
	}
	segs, err := splitSegments(strings.TrimPrefix(raw, topicScheme), false)
	if err != nil {
		return Topic{}, err
	}
	return Topic{segments: segs}, nil
}

func (t Topic) String() string {
	return topicScheme + strings.Join(t.segments, "/")
}

// Pattern is a compiled subscription pattern. The zero value matches nothing.
type Pattern struct {
	raw      string
	segments []string
	multi    bool // trailing ** consumes one or more segments
}

// ParsePattern parses a subscription pattern. Patterns use the topic://
// scheme with optional wildcards: "*" for a single segment and a trailing
// "**" for the rest of the path. "**" anywhere else is rejected.
func ParsePattern(raw string) (Pattern, error) {
	if !strings.HasPrefix(raw, topicScheme) {
		return Pattern{}, fmt.Errorf("%w: pattern %q lacks topic:// scheme", ErrInvalidTopic, raw)
	}
	segs, err := splitSegments(strings.TrimPrefix(raw, topicScheme), true)
	if err != nil {
		return Pattern{}, err
	}
	p := Pattern{raw: raw, segments: segs}
	for i, s := range segs {
		if s != "**" {
			continue
		}
		if i != len(segs)-1 {
			return Pattern{}, fmt.Errorf("%w: ** is only valid as the final segment", ErrInvalidTopic)
		}
		p.multi = true
		p.segments = segs[:i]
	}
	return p, nil
}

func (p Pattern) String() string { return p.raw }

// Match reports whether the topic falls under the pattern.
func (p Pattern) Match(t Topic) bool {
	if p.raw == "" {
		return false
	}
	if p.multi {
		// Fixed prefix plus at least one more segment.
		if len(t.segments) <= len(p.segments) {
			return false
		}
	} else if len(t.segments) != len(p.segments) {
		return false
	}
	for i, ps := range p.segments {
		if ps == "*" {
			continue
		}
		if t.segments[i] != ps {
			return false
		}
	}
	return true
}

func splitSegments(path string, pattern bool) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidTopic)
	}
	segs := strings.Split(norm.NFC.String(path), "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrInvalidTopic)
		}
		if pattern && (s == "*" || s == "**") {
			continue
		}
		if !validSegment(s) {
			return nil, fmt.Errorf("%w: bad segment %q", ErrInvalidTopic, s)
		}
	}
	return segs, nil
}

func validSegment(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
