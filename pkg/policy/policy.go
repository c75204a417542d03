// Package policy evaluates manifest-declared policies against envelopes and
// admission requests.
//
// Policy rule bodies are CEL expressions over a structured context. The
// evaluator is fail-closed: an unknown policy name, a compile error or an
// evaluation error always produces a deny, never a silent pass. This is the
// central security invariant of the fabric — absence of a recognized policy
// is treated as untrusted, not permissive.
package policy

import "errors"

// ErrUnknownPolicy indicates a manifest referenced a policy name not in the
// recognized set. Fail-closed: the evaluation result is deny.
var ErrUnknownPolicy = errors.New("unknown policy name")

// Decision is the outcome of evaluating policies against one envelope or
// admission request.
type Decision int

const (
	Allow Decision = iota
	AlertAllow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AlertAllow:
		return "alert-and-allow"
	case Deny:
		return "deny"
	default:
		return "deny"
	}
}

// Combine returns the more restrictive of two decisions
// (deny > alert-and-allow > allow).
func Combine(a, b Decision) Decision {
	if b > a {
		return b
	}
	return a
}

// Blocks reports whether the decision stops the operation.
func (d Decision) Blocks() bool { return d == Deny }

// Finding is the result of evaluating a single policy.
type Finding struct {
	Policy   string   `json:"policy"`
	Action   string   `json:"action"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	// Alert marks the audit record for operator attention.
	Alert bool `json:"alert,omitempty"`
}

// Outcome aggregates the findings for all policies declared on one subject.
// The overall decision is the most restrictive individual decision.
type Outcome struct {
	Decision Decision  `json:"decision"`
	Alert    bool      `json:"alert,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

// Kind of operation being checked.
const (
	KindPublish   = "publish"
	KindAdmission = "admission"
)
