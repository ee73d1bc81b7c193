package definition

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes and validates a definition from YAML (or JSON) bytes.
func ParseYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("definition payload is empty")
	}

	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("unable to decode definition: %w", err)
	}

	d = d.Normalized()

	if err := d.Validate(); err != nil {
		return Definition{}, err
	}

	return d, nil
}

// Load reads a definition from r.
func Load(r io.Reader) (Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("unable to read definition: %w", err)
	}

	return ParseYAML(data)
}

// LoadFile reads a definition from the file at path.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}

	d, err := ParseYAML(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}

	return d, nil
}

// LoadDir reads every *.yaml and *.yml file in dir, in lexical order.
func LoadDir(dir string) ([]Definition, error) {
	var paths []string

	for _, p := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, p))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}

	sort.Strings(paths)

	var defs []Definition
	for _, p := range paths {
		d, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}

	return defs, nil
}
