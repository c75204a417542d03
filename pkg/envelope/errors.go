package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed indicates a required field is absent or of the wrong
	// semantic type. Structural, not a security decision.
	ErrMalformed = errors.New("malformed envelope")

	// ErrIntegrity indicates the signature does not match the canonical
	// form. Never swallowed; always produces a deny plus an audit record.
	ErrIntegrity = errors.New("envelope integrity check failed")

	// ErrExpired indicates now > ts + ttl_ms.
	ErrExpired = errors.New("envelope expired")
)

func errMissingHeader(key string) error {
	return fmt.Errorf("%w: missing required header %q", ErrMalformed, key)
}

func errBadHeader(key, value string) error {
	return fmt.Errorf("%w: header %q has invalid value %q", ErrMalformed, key, value)
}
