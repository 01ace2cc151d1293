// Package playbook loads the declarative preprocessing recipes the preprocess
// stage applies: text normalization, section fencing, splitting and audience
// filtering, plus the chunker that executes them.
package playbook

import (
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// EngineVersion is the playbook engine this build implements. Playbooks
// declare a constraint against it.
const EngineVersion = "1.2.0"

// Playbook is a declarative preprocessing recipe.
type Playbook struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Engine is a semver constraint the running engine must satisfy,
	// e.g. ">= 1.0.0, < 2.0.0". Empty accepts any engine.
	Engine string `yaml:"engine,omitempty" json:"engine,omitempty"`

	Normalize NormalizeRules `yaml:"normalize" json:"normalize"`
	Sections  SectionRules   `yaml:"sections" json:"sections"`
	Audience  AudienceRules  `yaml:"audience" json:"audience"`
}

// NormalizeRules controls text cleanup before splitting.
type NormalizeRules struct {
	// UnicodeNFC applies NFC normalization. Defaults on.
	UnicodeNFC *bool `yaml:"unicode_nfc,omitempty" json:"unicode_nfc,omitempty"`
	// CollapseWhitespace folds runs of whitespace into single spaces.
	CollapseWhitespace bool `yaml:"collapse_whitespace" json:"collapse_whitespace"`
	// StripControlChars removes non-printable control characters.
	StripControlChars bool `yaml:"strip_control_chars" json:"strip_control_chars"`
	Lowercase         bool `yaml:"lowercase" json:"lowercase"`
}

// SectionRules fence documents into named sections before chunking.
type SectionRules struct {
	// HeadingPrefixes mark section boundaries, matched at line start.
	HeadingPrefixes []string `yaml:"heading_prefixes,omitempty" json:"heading_prefixes,omitempty"`
	// DefaultSection names content before the first heading.
	DefaultSection string `yaml:"default_section,omitempty" json:"default_section,omitempty"`
}

// AudienceRules drop content not meant for the product's consumers.
type AudienceRules struct {
	// ExcludeSections are dropped entirely (matched case-insensitively).
	ExcludeSections []string `yaml:"exclude_sections,omitempty" json:"exclude_sections,omitempty"`
	// ExcludeMarkers drop any line containing one of these markers.
	ExcludeMarkers []string `yaml:"exclude_markers,omitempty" json:"exclude_markers,omitempty"`
}

// Default is the recipe applied when a product names no playbook.
func Default() *Playbook {
	nfc := true
	return &Playbook{
		Name:   "default",
		Engine: ">= 1.0.0",
		Normalize: NormalizeRules{
			UnicodeNFC:         &nfc,
			CollapseWhitespace: true,
			StripControlChars:  true,
		},
		Sections: SectionRules{
			HeadingPrefixes: []string{"# ", "## ", "### "},
			DefaultSection:  "body",
		},
	}
}

// Parse decodes a playbook from YAML; unknown keys are rejected.
func Parse(r io.Reader) (*Playbook, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("playbook: decode: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// LoadFile reads and parses a playbook from disk.
func LoadFile(path string) (*Playbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Validate checks structural requirements and the engine constraint.
func (p *Playbook) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("playbook: name is required")
	}
	if p.Engine != "" {
		c, err := semver.NewConstraint(p.Engine)
		if err != nil {
			return fmt.Errorf("playbook: %s: invalid engine constraint %q: %w", p.Name, p.Engine, err)
		}
		if !c.Check(semver.MustParse(EngineVersion)) {
			return fmt.Errorf("playbook: %s requires engine %q, running %s", p.Name, p.Engine, EngineVersion)
		}
	}
	return nil
}

// NFC reports whether NFC normalization is enabled (defaults true).
func (n NormalizeRules) NFC() bool {
	return n.UnicodeNFC == nil || *n.UnicodeNFC
}
