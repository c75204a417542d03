package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/manifest"
)

// Context carries the subject of a policy evaluation: the envelope or the
// admission request, plus the resolved sender/receiver identities.
type Context struct {
	Kind     string // KindPublish or KindAdmission
	Envelope *envelope.Envelope
	Manifest *manifest.Manifest
	Sender   *identity.Identity
	Receiver *identity.Identity
	Now      time.Time
}

// Evaluator holds the recognized policy rule set and evaluates manifest
// policy references against it.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	rules map[string]string      // policy name -> CEL expression
	cache map[string]cel.Program // expression -> compiled program
}

// NewEvaluator creates an evaluator seeded with the builtin rule set.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("envelope", cel.DynType),
		cel.Variable("manifest", cel.DynType),
		cel.Variable("sender", cel.DynType),
		cel.Variable("receiver", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{
		env:   env,
		rules: make(map[string]string),
		cache: make(map[string]cel.Program),
	}
	for name, expr := range builtinRules {
		if err := e.Register(name, expr); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds or replaces a named policy rule. The expression is compiled
// eagerly so a broken rule is rejected at registration, not at enforcement.
func (e *Evaluator) Register(name, expr string) error {
	prg, err := e.compile(expr)
	if err != nil {
		return fmt.Errorf("policy %q: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[name] = expr
	e.cache[expr] = prg
	return nil
}

// Known reports whether a policy name is in the recognized set.
func (e *Evaluator) Known(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.rules[name]
	return ok
}

// Evaluate runs a single declared policy against the context.
//
// Unknown policy names and evaluation failures return a deny finding plus a
// non-nil error; the error is reported, never used to skip the deny.
func (e *Evaluator) Evaluate(ctx context.Context, ref manifest.PolicyRef, pctx *Context) (Finding, error) {
	finding := Finding{Policy: ref.Name, Action: ref.Action}

	e.mu.RLock()
	expr, known := e.rules[ref.Name]
	var prg cel.Program
	if known {
		prg = e.cache[expr]
	}
	e.mu.RUnlock()

	if !known {
		finding.Decision = Deny
		finding.Reason = fmt.Sprintf("policy %q is not recognized", ref.Name)
		return finding, fmt.Errorf("%w: %q", ErrUnknownPolicy, ref.Name)
	}

	select {
	case <-ctx.Done():
		finding.Decision = Deny
		finding.Reason = "evaluation cancelled"
		return finding, ctx.Err()
	default:
	}

	satisfied, err := evalProgram(prg, activation(pctx))
	if err != nil {
		finding.Decision = Deny
		finding.Reason = fmt.Sprintf("evaluation failed: %v", err)
		return finding, fmt.Errorf("policy %q: %w", ref.Name, err)
	}

	if satisfied {
		finding.Decision = Allow
		return finding, nil
	}

	switch ref.Action {
	case manifest.ActionEnforce:
		finding.Decision = Deny
		finding.Reason = fmt.Sprintf("policy %q violated", ref.Name)
	case manifest.ActionAlert:
		finding.Decision = AlertAllow
		finding.Alert = true
		finding.Reason = fmt.Sprintf("policy %q violated (alert)", ref.Name)
	default: // advisory
		finding.Decision = AlertAllow
		finding.Reason = fmt.Sprintf("policy %q violated (advisory)", ref.Name)
	}
	return finding, nil
}

// EvaluateAll evaluates every declared policy; the most restrictive
// decision wins. All policies are evaluated even after a deny so the audit
// record carries the complete finding set.
func (e *Evaluator) EvaluateAll(ctx context.Context, refs []manifest.PolicyRef, pctx *Context) (*Outcome, error) {
	out := &Outcome{Decision: Allow}
	var firstErr error

	for _, ref := range refs {
		finding, err := e.Evaluate(ctx, ref, pctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out.Findings = append(out.Findings, finding)
		out.Decision = Combine(out.Decision, finding.Decision)
		out.Alert = out.Alert || finding.Alert
	}
	return out, firstErr
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

func evalProgram(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// activation builds the CEL input maps from the evaluation context.
func activation(pctx *Context) map[string]any {
	input := map[string]any{
		"kind":     pctx.Kind,
		"envelope": map[string]any{},
		"manifest": map[string]any{},
		"sender":   map[string]any{},
		"receiver": map[string]any{},
		"now_ms":   pctx.Now.UnixMilli(),
	}

	if env := pctx.Envelope; env != nil {
		headers := make(map[string]any, len(env.Headers))
		for k, v := range env.Headers {
			headers[k] = v
		}
		input["envelope"] = map[string]any{
			"id":           env.ID,
			"src":          env.Src,
			"dest":         env.Dest,
			"ctype":        env.CType,
			"headers":      headers,
			"scopes":       env.Scopes(),
			"payload_size": len(env.Payload),
			"is_topic":     env.IsTopic(),
		}
	}

	if m := pctx.Manifest; m != nil {
		perms := make([]any, 0, len(m.Spec.Permissions))
		for _, p := range m.Spec.Permissions {
			perms = append(perms, p.Scope())
		}
		input["manifest"] = map[string]any{
			"name":        m.Metadata.Name,
			"tenant":      m.Metadata.Tenant,
			"runtime":     m.Spec.Runtime.Kind,
			"permissions": perms,
			"inputs":      len(m.Spec.Inputs),
			"outputs":     len(m.Spec.Outputs),
		}
	}

	input["sender"] = identityMap(pctx.Sender)
	input["receiver"] = identityMap(pctx.Receiver)
	return input
}

func identityMap(id *identity.Identity) map[string]any {
	if id == nil {
		return map[string]any{}
	}
	scopes := make([]any, 0, len(id.Scopes))
	for s := range id.Scopes {
		scopes = append(scopes, s)
	}
	return map[string]any{
		"address": id.Address.String(),
		"tenant":  id.Address.Tenant,
		"node":    id.Address.Node,
		"agent":   id.Address.Agent,
		"scopes":  scopes,
		"revoked": id.Revoked,
	}
}
