package ladder

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"stream-orchestrator/internal/models"
)

// Tier maps every source at least MinWidth pixels wide to a set of presets.
type Tier struct {
	MinWidth int      `yaml:"minWidth"`
	Variants []string `yaml:"variants"`
}

// Table is the preset catalogue and the width tiers that select from it.
type Table struct {
	Presets []models.QualityVariant `yaml:"presets"`
	Tiers   []Tier                  `yaml:"tiers"`
}

// DefaultTable returns the built-in catalogue.
func DefaultTable() Table {
	return Table{
		Presets: []models.QualityVariant{
			{Name: "ultra", Suffix: "2160p", Width: 3840, Height: 2160, VideoBitrateKbps: 15000, AudioBitrateKbps: 320, Preset: "fast", CRF: 18},
			{Name: "high", Suffix: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 128, Preset: "veryfast", CRF: 23},
			{Name: "medium", Suffix: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2500, AudioBitrateKbps: 128, Preset: "veryfast", CRF: 23},
			{Name: "low", Suffix: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1000, AudioBitrateKbps: 96, Preset: "veryfast", CRF: 25},
			{Name: "mobile", Suffix: "360p", Width: 640, Height: 360, VideoBitrateKbps: 500, AudioBitrateKbps: 64, Preset: "veryfast", CRF: 28},
		},
		Tiers: []Tier{
			{MinWidth: 3840, Variants: []string{"ultra", "high", "medium", "low"}},
			{MinWidth: 1920, Variants: []string{"high", "medium", "low"}},
			{MinWidth: 1280, Variants: []string{"medium", "low", "mobile"}},
			{MinWidth: 0, Variants: []string{"low", "mobile"}},
		},
	}
}

// LoadTable reads a YAML preset file. Unknown fields are rejected so typos
// do not silently fall back to zero values.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read ladder file: %w", err)
	}
	var table Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return Table{}, fmt.Errorf("decode ladder file %s: %w", path, err)
	}
	if err := table.Validate(); err != nil {
		return Table{}, fmt.Errorf("ladder file %s: %w", path, err)
	}
	return table, nil
}

// Validate checks that presets are well formed, tiers reference known
// presets, and the lowest tier accepts any width.
func (t Table) Validate() error {
	if len(t.Presets) == 0 {
		return fmt.Errorf("at least one preset is required")
	}
	names := make(map[string]struct{}, len(t.Presets))
	suffixes := make(map[string]struct{}, len(t.Presets))
	for _, p := range t.Presets {
		switch {
		case strings.TrimSpace(p.Name) == "":
			return fmt.Errorf("preset name is required")
		case !validSuffix(p.Suffix):
			return fmt.Errorf("preset %s: suffix %q must be alphanumeric", p.Name, p.Suffix)
		case p.Width <= 0 || p.Height <= 0:
			return fmt.Errorf("preset %s: width and height must be positive", p.Name)
		case p.VideoBitrateKbps <= 0 || p.AudioBitrateKbps <= 0:
			return fmt.Errorf("preset %s: bitrates must be positive", p.Name)
		case p.CRF < 0 || p.CRF > 51:
			return fmt.Errorf("preset %s: crf must be within 0-51", p.Name)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate preset %s", p.Name)
		}
		if _, dup := suffixes[p.Suffix]; dup {
			return fmt.Errorf("duplicate suffix %s", p.Suffix)
		}
		names[p.Name] = struct{}{}
		suffixes[p.Suffix] = struct{}{}
	}
	if len(t.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	hasFloor := false
	for _, tier := range t.Tiers {
		if len(tier.Variants) == 0 {
			return fmt.Errorf("tier %d has no variants", tier.MinWidth)
		}
		for _, name := range tier.Variants {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("tier %d references unknown preset %s", tier.MinWidth, name)
			}
		}
		if tier.MinWidth <= 0 {
			hasFloor = true
		}
	}
	if !hasFloor {
		return fmt.Errorf("a tier with minWidth 0 is required")
	}
	return nil
}

func (t Table) preset(name string) (models.QualityVariant, bool) {
	for _, p := range t.Presets {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return models.QualityVariant{}, false
}

// tierFor returns the variants of the widest tier the source qualifies for.
func (t Table) tierFor(width int) []string {
	tiers := append([]Tier(nil), t.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinWidth > tiers[j].MinWidth })
	for _, tier := range tiers {
		if width >= tier.MinWidth {
			return tier.Variants
		}
	}
	return tiers[len(tiers)-1].Variants
}

func validSuffix(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
