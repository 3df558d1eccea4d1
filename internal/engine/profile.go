// ABOUTME: Agent profile definitions loaded from TOML files
// ABOUTME: Profiles describe the model and instructions for in-process engines

package engine

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Profile describes the behavior of an in-process agent: which model to
// call and the system instructions that frame every conversation.
type Profile struct {
	Name         string  `toml:"name"`
	Model        string  `toml:"model"`
	Instructions string  `toml:"instructions"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
}

// LoadProfile reads and validates an agent profile from a TOML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks that the required profile fields are present.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if p.Instructions == "" {
		return fmt.Errorf("instructions is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}
