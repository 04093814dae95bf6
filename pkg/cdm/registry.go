// Package cdm matches ERD entities against Common Data Model standard tables.
package cdm

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var registryYAML []byte

// RegistryEntity is one standard table with its canonical columns.
type RegistryEntity struct {
	Name        string   `yaml:"name"`
	LogicalName string   `yaml:"logical_name"`
	Synonyms    []string `yaml:"synonyms"`
	Attributes  []string `yaml:"attributes"`
}

// Registry is the set of known standard tables.
type Registry struct {
	Entities []RegistryEntity `yaml:"entities"`
}

var (
	defaultRegistry    *Registry
	defaultRegistryErr error
	defaultOnce        sync.Once
)

// DefaultRegistry returns the registry compiled into the binary.
func DefaultRegistry() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = ParseRegistry(registryYAML)
	})
	return defaultRegistry, defaultRegistryErr
}

// ParseRegistry decodes a YAML registry document.
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing CDM registry: %w", err)
	}
	if len(reg.Entities) == 0 {
		return nil, fmt.Errorf("CDM registry has no entities")
	}
	for i, e := range reg.Entities {
		if e.Name == "" || e.LogicalName == "" {
			return nil, fmt.Errorf("CDM registry entry %d is missing name or logical_name", i)
		}
	}
	return &reg, nil
}
