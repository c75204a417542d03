// Package manifest defines the declarative agent manifest consumed by the
// admission scheduler.
//
// Structural schema conformance is the loader's job; this package
// re-validates the semantic fields (scope strings, policy actions, runtime
// version) because an unvalidated manifest must never reach admission.
package manifest

// APIVersion and Kind identify the only manifest schema the kernel accepts.
const (
	APIVersion = "openi.ai/v1"
	KindAgent  = "Agent"
)

// Policy action modes.
const (
	ActionEnforce  = "enforce"
	ActionAdvisory = "advisory"
	ActionAlert    = "alert"
)

// Runtime kinds the fabric knows how to schedule.
const (
	RuntimeWASM   = "wasm"
	RuntimeOCI    = "oci"
	RuntimeNative = "native"
)

// Manifest declares an agent's runtime, message contract, policies and
// permissions. It is an immutable, signed input for the lifetime of the
// agent instance it describes.
type Manifest struct {
	APIVersion string   `json:"apiVersion" yaml:"apiVersion"`
	Kind       string   `json:"kind" yaml:"kind"`
	Metadata   Metadata `json:"metadata" yaml:"metadata"`
	Spec       Spec     `json:"spec" yaml:"spec"`
}

// Metadata locates the agent on the fabric.
type Metadata struct {
	Name   string `json:"name" yaml:"name"`
	Tenant string `json:"tenant" yaml:"tenant"`
	Node   string `json:"node" yaml:"node"`
}

// Spec is the declarative body of an agent manifest.
type Spec struct {
	Runtime     Runtime      `json:"runtime" yaml:"runtime"`
	Inputs      []IO         `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []IO         `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Policies    []PolicyRef  `json:"policies,omitempty" yaml:"policies,omitempty"`
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Runtime declares how the agent executes.
type Runtime struct {
	Kind    string `json:"kind" yaml:"kind"`
	Version string `json:"version" yaml:"version"` // semver
}

// IO declares one input or output binding: the topic the agent reads or
// writes, the content type, and an optional JSON Schema constraining the
// payload format.
type IO struct {
	Name   string `json:"name" yaml:"name"`
	Topic  string `json:"topic" yaml:"topic"`
	Type   string `json:"type" yaml:"type"` // content type, e.g. application/json
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// PolicyRef names a registered policy and the action taken on violation.
type PolicyRef struct {
	Name   string `json:"name" yaml:"name"`
	Action string `json:"action" yaml:"action"` // enforce | advisory | alert
}

// Permission requests one capability on one system, e.g. {db, read}.
// It is granted only if the identity already holds the matching scope.
type Permission struct {
	System     string `json:"system" yaml:"system"`
	Capability string `json:"capability" yaml:"capability"`
}

// Scope renders the permission as a capability scope string.
func (p Permission) Scope() string {
	return p.System + ":" + p.Capability
}
