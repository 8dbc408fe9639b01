package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentpipe/core"
)

// LoadDefinition reads a pipeline definition from a .json, .yaml or .yml
// file. The definition is decoded only; validation is left to the engine.
func LoadDefinition(path string) (core.PipelineDefinition, error) {
	// #nosec G304 -- path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return core.PipelineDefinition{}, fmt.Errorf("read definition: %w", err)
	}

	return ParseDefinition(data, filepath.Ext(path))
}

// ParseDefinition decodes a definition. ext selects JSON for ".json" and
// YAML otherwise.
func ParseDefinition(data []byte, ext string) (core.PipelineDefinition, error) {
	var def core.PipelineDefinition

	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("parse definition: %w", err)
		}

		return def, nil
	}

	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse definition: %w", err)
	}

	return def, nil
}

// ParseInput decodes a CLI input argument: JSON values are decoded, anything
// else is taken as a plain string.
func ParseInput(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}

	return raw
}
