package modules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModSet is the load set: the ordered list of module packages one engine
// process loads. Every deterministic guarantee in the engine (content ids,
// hook scheduling, fault attribution) is keyed to this order, so server and
// clients must be handed the identical file.
type ModSet struct {
	Modules []string `yaml:"modules"`
}

func LoadModSet(path string) (ModSet, error) {
	var s ModSet
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("modset.yaml: %w", err)
	}
	seen := map[string]struct{}{}
	for _, p := range s.Modules {
		if p == "" {
			return s, fmt.Errorf("modset.yaml: empty module path")
		}
		if _, dup := seen[p]; dup {
			return s, fmt.Errorf("modset.yaml: duplicate module path %q", p)
		}
		seen[p] = struct{}{}
	}
	return s, nil
}
