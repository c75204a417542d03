// Package admission runs the agent admission pipeline: manifest validation,
// deny-by-default permission checks against granted scopes, policy
// evaluation, capability token minting and input subscription wiring.
//
// An agent participates in the fabric only between a successful Admit and
// the matching revocation or deactivation. Every transition is recorded in
// the audit ledger.
package admission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/manifest"
	"github.com/openi-ai/fabric/pkg/policy"
)

// State is the lifecycle phase of an agent instance.
type State string

const (
	StatePending    State = "pending"
	StateEvaluating State = "evaluating"
	StateAdmitted   State = "admitted"
	StateRejected   State = "rejected"
	StateRevoked    State = "revoked"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateRevoked
}

var (
	// ErrNotAdmitted indicates the address has no admitted instance.
	ErrNotAdmitted = errors.New("agent is not admitted")

	// ErrAlreadyAdmitted indicates the address already runs an admitted
	// instance; deactivate it before re-admitting.
	ErrAlreadyAdmitted = errors.New("agent is already admitted")
)

// AdmissionError explains a rejection: which scopes were missing or which
// policy outcome blocked the manifest.
type AdmissionError struct {
	Address       identity.Address
	MissingScopes []string
	Outcome       *policy.Outcome
	Reason        string
}

func (e *AdmissionError) Error() string {
	if len(e.MissingScopes) > 0 {
		return fmt.Sprintf("admission denied for %s: missing scopes [%s]",
			e.Address.String(), strings.Join(e.MissingScopes, " "))
	}
	return fmt.Sprintf("admission denied for %s: %s", e.Address.String(), e.Reason)
}

// AgentHandle is returned on successful admission. The capability token
// proves the instance's granted scopes to downstream systems without a
// registry lookup.
type AgentHandle struct {
	Instance   string
	Address    identity.Address
	Manifest   *manifest.Manifest
	Token      string
	AdmittedAt time.Time
}
