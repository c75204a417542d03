// Package retry provides bounded exponential backoff with deterministic
// jitter. Jitter is derived from the operation's identity rather than a
// random source, so two nodes replaying the same failure schedule the same
// delays and audit trails stay reproducible.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy suits transient infrastructure failures: durable ledger
// writes, shared limiter round-trips.
var DefaultPolicy = Policy{
	Base:        50 * time.Millisecond,
	Max:         5 * time.Second,
	MaxJitter:   100 * time.Millisecond,
	MaxAttempts: 5,
}

// Backoff returns the delay before the given attempt (attempt 0 runs
// immediately). opKey seeds the deterministic jitter.
func Backoff(p Policy, opKey string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1)
	if attempt > 30 {
		factor = 1 << 30
	} else {
		factor = 1 << attempt
	}

	delay := time.Duration(int64(p.Base) * factor)
	if delay > p.Max || delay < 0 {
		delay = p.Max
	}
	return delay + jitter(p, opKey, attempt)
}

func jitter(p Policy, opKey string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", opKey, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}

// Do runs fn until it succeeds, the policy's attempts are exhausted, or the
// context is done. The last error is returned.
func Do(ctx context.Context, p Policy, opKey string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if delay := Backoff(p, opKey, attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if last = fn(ctx); last == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", opKey, last)
}
