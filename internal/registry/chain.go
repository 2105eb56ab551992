package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Chain is a priority-ordered list of fallback model identifiers.
type Chain []string

// DefaultChain returns the built-in fallback order.
func DefaultChain() Chain {
	return Chain{
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	}
}

// LoadChain reads a fallback chain from a YAML file of the form:
//
//	fallback_models:
//	  - gemini-2.5-flash
//	  - gemini-2.0-flash
func LoadChain(path string) (Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read chain file %s", path)
	}

	var wrapper struct {
		FallbackModels []string `yaml:"fallback_models"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "registry: parse chain file")
	}
	if len(wrapper.FallbackModels) == 0 {
		return nil, eris.New("registry: chain file lists no models")
	}

	return Chain(wrapper.FallbackModels), nil
}

// PickNext walks the chain starting after current's position (or from the
// start when current is not in the chain) and returns the first candidate
// present in available. When available is empty the first candidate after
// the position is returned unconditionally. Returns "" when the chain is
// exhausted, so a single fallback walk never revisits a model.
func (c Chain) PickNext(current string, available []string) string {
	start := 0
	for i, m := range c {
		if m == current {
			start = i + 1
			break
		}
	}

	if len(available) == 0 {
		if start < len(c) {
			return c[start]
		}
		return ""
	}

	availSet := make(map[string]struct{}, len(available))
	for _, m := range available {
		availSet[m] = struct{}{}
	}

	for _, candidate := range c[start:] {
		if candidate == current {
			continue
		}
		if _, ok := availSet[candidate]; ok {
			return candidate
		}
	}
	return ""
}
