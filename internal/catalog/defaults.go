package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/btravel/internal/storage"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Definition is an agent as written in a catalog YAML file.
type Definition struct {
	Name           string            `yaml:"name" json:"name"`
	Type           string            `yaml:"type" json:"type"`
	Description    string            `yaml:"description" json:"description"`
	RequiredFields []string          `yaml:"required_fields" json:"required_fields"`
	OptionalFields []string          `yaml:"optional_fields" json:"optional_fields"`
	Prompts        map[string]string `yaml:"prompts" json:"prompts"`
}

// Agent converts the definition into a storage record without embedding.
func (d Definition) Agent() storage.Agent {
	return storage.Agent{
		Name:           d.Name,
		Kind:           d.Type,
		Description:    d.Description,
		RequiredFields: d.RequiredFields,
		OptionalFields: d.OptionalFields,
		Prompts:        d.Prompts,
	}
}

type definitionFile struct {
	Agents []Definition `yaml:"agents"`
}

// ParseDefinitions decodes a catalog YAML document and validates every entry.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing agent definitions: %w", err)
	}
	seen := make(map[string]bool, len(f.Agents))
	for i, d := range f.Agents {
		if err := Validate(d.Agent()); err != nil {
			return nil, fmt.Errorf("agent %d (%s): %w", i, d.Name, err)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("agent %d: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	return f.Agents, nil
}

// LoadDefinitions reads agent definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// DefaultDefinitions returns the built-in travel agent catalog.
func DefaultDefinitions() []Definition {
	defs, err := ParseDefinitions(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded defaults.yaml is invalid: %v", err))
	}
	return defs
}

// GenericDefinition returns the built-in definition of the fallback agent.
func GenericDefinition() Definition {
	for _, d := range DefaultDefinitions() {
		if d.Type == storage.GenericKind {
			return d
		}
	}
	panic("embedded defaults.yaml has no generic agent")
}
