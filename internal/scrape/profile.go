package scrape

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ColumnConfig is the YAML form of a ColumnSpec.
type ColumnConfig struct {
	Name         string `yaml:"name"`
	Header       string `yaml:"header,omitempty"`
	LinkSelector string `yaml:"link_selector,omitempty"`
	LinkContains string `yaml:"link_contains,omitempty"`
}

// Profile describes how to scrape one kind of listing.
type Profile struct {
	WaitSelector string         `yaml:"wait_selector,omitempty"`
	Columns      []ColumnConfig `yaml:"columns"`
}

// LoadProfile reads and validates a scrape profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scrape profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("scrape profile: %w", err)
	}
	for i, c := range p.Columns {
		if c.Name == "" {
			return nil, fmt.Errorf("scrape profile: column[%d] missing name", i)
		}
	}
	return &p, nil
}

// Specs converts the profile columns to ColumnSpecs. Header defaults to Name.
func (p *Profile) Specs() []ColumnSpec {
	specs := make([]ColumnSpec, 0, len(p.Columns))
	for _, c := range p.Columns {
		header := c.Header
		if header == "" {
			header = c.Name
		}
		specs = append(specs, ColumnSpec{
			Name:         c.Name,
			Header:       header,
			LinkSelector: c.LinkSelector,
			LinkContains: c.LinkContains,
		})
	}
	return specs
}
