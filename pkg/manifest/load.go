package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Decode parses a YAML (or JSON) manifest document and runs semantic
// validation. Structural parsing normally happens in the packaging tool;
// this helper exists for the node command and for tests.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
