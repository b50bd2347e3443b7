package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Serial is a device serial number. YAML files often carry serials as bare
// integers, so any scalar is accepted and kept verbatim.
type Serial string

func (s *Serial) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: serial must be a scalar", value.Line)
	}
	*s = Serial(value.Value)
	return nil
}

func (s Serial) String() string {
	return string(s)
}

// TagSet holds extra tags for an inverter, e.g. its row and column on the
// roof. Values may be numbers in YAML and are stored as strings.
type TagSet map[string]string

func (t *TagSet) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: inverter tags must be a mapping", value.Line)
	}
	out := make(TagSet, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: inverter tag %q must be a scalar", k.Line, k.Value)
		}
		out[k.Value] = v.Value
	}
	*t = out
	return nil
}
