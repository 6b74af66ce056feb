package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a prompt Set from a YAML or JSON file. Missing templates
// fall back to the defaults.
func LoadFile(path string) (Set, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Defaults(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read prompt file %q: %w", path, err)
	}
	var set Set
	// YAML is a superset of JSON.
	if err := yaml.Unmarshal(content, &set); err != nil {
		return Set{}, fmt.Errorf("decode prompt file %q: %w", filepath.Base(path), err)
	}
	set = set.WithDefaults()
	if err := set.Validate(); err != nil {
		return Set{}, fmt.Errorf("invalid prompt file %q: %w", filepath.Base(path), err)
	}
	return set, nil
}
