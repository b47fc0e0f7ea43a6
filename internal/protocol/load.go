package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromYAML parses a blueprint from YAML. It does not validate.
func FromYAML(data []byte) (Blueprint, error) {
	var b Blueprint
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Blueprint{}, fmt.Errorf("invalid protocol yaml: %w", err)
	}
	return b, nil
}

// FromJSON parses a blueprint from JSON. It does not validate.
func FromJSON(data []byte) (Blueprint, error) {
	var b Blueprint
	if err := json.Unmarshal(data, &b); err != nil {
		return Blueprint{}, fmt.Errorf("invalid protocol json: %w", err)
	}
	return b, nil
}

// LoadFile reads a blueprint from a .json, .yml or .yaml file.
func LoadFile(path string) (Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blueprint{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FromJSON(data)
	default:
		return FromYAML(data)
	}
}
