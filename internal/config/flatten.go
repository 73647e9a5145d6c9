package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// flatten turns v into dotted viper keys using its yaml encoding, which
// carries the same names as the mapstructure tags.
func flatten(prefix string, v any, out map[string]any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	walk(prefix, tree, out)
	return nil
}

func walk(prefix string, node map[string]any, out map[string]any) {
	for k, val := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := val.(map[string]any); ok && len(child) > 0 {
			walk(key, child, out)
			continue
		}
		out[key] = val
	}
}
