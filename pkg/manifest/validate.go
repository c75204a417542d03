package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openi-ai/fabric/pkg/identity"
)

// ErrInvalidManifest wraps every semantic validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

// Validate re-checks the semantic fields of a structurally parsed manifest.
// Fail-closed: a manifest that does not fully validate is never admitted.
func Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}
	if m.APIVersion != APIVersion {
		return fmt.Errorf("%w: apiVersion %q, want %q", ErrInvalidManifest, m.APIVersion, APIVersion)
	}
	if m.Kind != KindAgent {
		return fmt.Errorf("%w: kind %q, want %q", ErrInvalidManifest, m.Kind, KindAgent)
	}
	if m.Metadata.Name == "" || m.Metadata.Tenant == "" || m.Metadata.Node == "" {
		return fmt.Errorf("%w: metadata requires name, tenant and node", ErrInvalidManifest)
	}

	switch m.Spec.Runtime.Kind {
	case RuntimeWASM, RuntimeOCI, RuntimeNative:
	default:
		return fmt.Errorf("%w: unknown runtime kind %q", ErrInvalidManifest, m.Spec.Runtime.Kind)
	}
	if _, err := semver.NewVersion(m.Spec.Runtime.Version); err != nil {
		return fmt.Errorf("%w: runtime version %q is not semver: %v", ErrInvalidManifest, m.Spec.Runtime.Version, err)
	}

	for _, io := range append(append([]IO{}, m.Spec.Inputs...), m.Spec.Outputs...) {
		if err := validateIO(io); err != nil {
			return err
		}
	}

	for _, p := range m.Spec.Policies {
		if p.Name == "" {
			return fmt.Errorf("%w: policy with empty name", ErrInvalidManifest)
		}
		switch p.Action {
		case ActionEnforce, ActionAdvisory, ActionAlert:
		default:
			return fmt.Errorf("%w: policy %q has unknown action %q", ErrInvalidManifest, p.Name, p.Action)
		}
	}

	for _, perm := range m.Spec.Permissions {
		if _, err := identity.NormalizeScope(perm.Scope()); err != nil {
			return fmt.Errorf("%w: permission %s/%s: %v", ErrInvalidManifest, perm.System, perm.Capability, err)
		}
	}

	return nil
}

func validateIO(io IO) error {
	if io.Name == "" {
		return fmt.Errorf("%w: io binding with empty name", ErrInvalidManifest)
	}
	if !strings.HasPrefix(io.Topic, "topic://") && !strings.HasPrefix(io.Topic, "agent://") {
		return fmt.Errorf("%w: io %q topic %q must be topic:// or agent://", ErrInvalidManifest, io.Name, io.Topic)
	}
	if io.Type == "" {
		return fmt.Errorf("%w: io %q has no content type", ErrInvalidManifest, io.Name)
	}
	if io.Format != "" {
		if _, err := CompileFormat(io.Name, io.Format); err != nil {
			return err
		}
	}
	return nil
}

// CompileFormat compiles an io binding's JSON Schema format declaration.
// The returned schema is used by receivers to validate payloads.
func CompileFormat(name, format string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "manifest:///" + name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(format)); err != nil {
		return nil, fmt.Errorf("%w: io %q format is not valid JSON Schema: %v", ErrInvalidManifest, name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: io %q format does not compile: %v", ErrInvalidManifest, name, err)
	}
	return schema, nil
}

// Address returns the agent address the manifest describes.
func (m *Manifest) Address() identity.Address {
	return identity.Address{Tenant: m.Metadata.Tenant, Node: m.Metadata.Node, Agent: m.Metadata.Name}
}

// Scopes returns the normalized scope strings for all declared permissions.
func (m *Manifest) Scopes() ([]string, error) {
	scopes := make([]string, 0, len(m.Spec.Permissions))
	for _, p := range m.Spec.Permissions {
		s, err := identity.NormalizeScope(p.Scope())
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}
