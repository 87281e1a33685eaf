package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// UnitDefinition describes one generated sub-section of a proposal
type UnitDefinition struct {
	ID              int    `yaml:"id" validate:"gte=1"`
	Name            string `yaml:"name" validate:"required"`
	Prompt          string `yaml:"prompt" validate:"required"`
	ProgressFloor   int    `yaml:"progress_floor" validate:"gte=0,lte=100"`
	ProgressCeiling int    `yaml:"progress_ceiling" validate:"gte=0,lte=100"`
}

// CriteriaDefinition describes the scoring rubric for a proposal's units
type CriteriaDefinition struct {
	MinScore   float64  `yaml:"min_score" validate:"gte=0,lte=100"`
	Dimensions []string `yaml:"dimensions"`
}

// ProposalDefinition is the user-authored description of a proposal: the
// fixed unit set established at job creation, the generation framing, and
// the scoring criteria. Definitions are loaded from YAML files in the
// configured definitions directory.
type ProposalDefinition struct {
	Name              string             `yaml:"name" validate:"required"`
	SystemInstruction string             `yaml:"system_instruction"`
	Units             []UnitDefinition   `yaml:"units" validate:"min=1,dive"`
	Criteria          CriteriaDefinition `yaml:"criteria"`
}

// Validate checks structural constraints plus unit id uniqueness and
// progress range sanity
func (d *ProposalDefinition) Validate() error {
	validate := validator.New()
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid proposal definition %q: %w", d.Name, err)
	}

	seen := make(map[int]bool, len(d.Units))
	for _, unit := range d.Units {
		if seen[unit.ID] {
			return fmt.Errorf("proposal definition %q: duplicate unit id %d", d.Name, unit.ID)
		}
		seen[unit.ID] = true
		if unit.ProgressCeiling > 0 && unit.ProgressCeiling < unit.ProgressFloor {
			return fmt.Errorf("proposal definition %q: unit %d progress ceiling below floor", d.Name, unit.ID)
		}
	}
	return nil
}

// ParseProposalDefinition parses and validates a single YAML document
func ParseProposalDefinition(data []byte) (*ProposalDefinition, error) {
	var def ProposalDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse proposal definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadProposalDefinitions loads all *.yaml / *.yml files from a directory,
// keyed by definition name. A missing directory yields an empty map rather
// than an error so a fresh install can run on the built-in default.
func LoadProposalDefinitions(dir string) (map[string]*ProposalDefinition, error) {
	definitions := make(map[string]*ProposalDefinition)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return definitions, nil
		}
		return nil, fmt.Errorf("failed to read definitions directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read definition file %s: %w", entry.Name(), err)
		}

		def, err := ParseProposalDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("definition file %s: %w", entry.Name(), err)
		}

		if _, exists := definitions[def.Name]; exists {
			return nil, fmt.Errorf("duplicate proposal definition name %q in %s", def.Name, entry.Name())
		}
		definitions[def.Name] = def
	}

	return definitions, nil
}

// DefaultProposalDefinition returns the built-in four-unit proposal used
// when no definitions directory is configured
func DefaultProposalDefinition() *ProposalDefinition {
	return &ProposalDefinition{
		Name:              "default",
		SystemInstruction: "You are drafting one section of a formal business proposal. Write in a clear, professional tone.",
		Units: []UnitDefinition{
			{ID: 1, Name: "Executive Summary", Prompt: "Write the executive summary for the proposal.", ProgressFloor: 10, ProgressCeiling: 30},
			{ID: 2, Name: "Approach", Prompt: "Describe the proposed approach and methodology.", ProgressFloor: 30, ProgressCeiling: 50},
			{ID: 3, Name: "Delivery Plan", Prompt: "Lay out the delivery plan, milestones and timeline.", ProgressFloor: 50, ProgressCeiling: 70},
			{ID: 4, Name: "Commercials", Prompt: "Present the commercial terms and pricing structure.", ProgressFloor: 70, ProgressCeiling: 90},
		},
		Criteria: CriteriaDefinition{
			MinScore:   80,
			Dimensions: []string{"clarity", "completeness", "persuasiveness"},
		},
	}
}
