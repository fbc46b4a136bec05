// Package decoder knows where each sound decoder family keeps its master
// volume and what range that CV accepts.
package decoder

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknown is returned when no family matches a decoder model.
var ErrUnknown = errors.New("decoder: unknown decoder family")

// Volume describes one family's master volume CV.
type Volume struct {
	Family  string   `yaml:"name"`
	CV      int      `yaml:"cv"`
	Min     int      `yaml:"min"`
	Max     int      `yaml:"max"`
	Default int      `yaml:"default"`
	Match   []string `yaml:"match"`
}

// Table is an ordered list of families.
type Table []Volume

//go:embed volume.yaml
var builtin []byte

var defaultTable = mustParse(builtin)

// Default returns the built-in table.
func Default() Table { return defaultTable }

// Parse reads a table in the built-in YAML layout.
func Parse(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoder: parse table: %w", err)
	}
	for i, v := range t {
		if v.Family == "" || v.CV <= 0 || v.Min > v.Max || v.Default < v.Min || v.Default > v.Max {
			return nil, fmt.Errorf("decoder: invalid entry %d (%q)", i, v.Family)
		}
	}
	return t, nil
}

func mustParse(data []byte) Table {
	t, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup resolves a free-text decoder model using the built-in table.
func Lookup(model string) (Volume, error) {
	return defaultTable.Lookup(model)
}

// Lookup tries an exact family name first, then a case-insensitive
// substring match of each family's patterns in table order.
func (t Table) Lookup(model string) (Volume, error) {
	if model == "" {
		return Volume{}, ErrUnknown
	}
	for _, v := range t {
		if v.Family == model {
			return v, nil
		}
	}
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, v := range t {
		for _, p := range v.Match {
			if strings.Contains(lower, p) {
				return v, nil
			}
		}
	}
	return Volume{}, fmt.Errorf("%w: %q", ErrUnknown, model)
}

// Names lists the family names in table order.
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i, v := range t {
		names[i] = v.Family
	}
	return names
}
