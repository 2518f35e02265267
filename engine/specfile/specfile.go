// Package specfile reads plan and atomic operation definitions from YAML, TOML or JSON files.
//
// Every format uses the JSON field names of the documents, so a plan written by the engine can
// be read back by this package unchanged.
package specfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/smartcontractkit/deployment-orchestrator/atomicop"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
)

// Format is the encoding of a spec file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported spec file extension %q, expected .yaml, .yml, .toml or .json", filepath.Ext(path))
	}
}

// ReadPlan reads a plan definition from path.
func ReadPlan(path string) (*deployment.Plan, error) {
	data, f, err := read(path)
	if err != nil {
		return nil, err
	}

	return DecodePlan(data, f)
}

// ReadOperation reads an atomic operation definition from path.
func ReadOperation(path string) (*atomicop.Operation, error) {
	data, f, err := read(path)
	if err != nil {
		return nil, err
	}

	return DecodeOperation(data, f)
}

// DecodePlan decodes a plan definition.
func DecodePlan(data []byte, f Format) (*deployment.Plan, error) {
	doc, err := toJSON(data, f)
	if err != nil {
		return nil, err
	}

	return deployment.DecodePlan(doc)
}

// DecodeOperation decodes an atomic operation definition.
func DecodeOperation(data []byte, f Format) (*atomicop.Operation, error) {
	doc, err := toJSON(data, f)
	if err != nil {
		return nil, err
	}

	return atomicop.DecodeOperation(doc)
}

func read(path string) ([]byte, Format, error) {
	f, err := FormatOf(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read spec file: %w", err)
	}

	return data, f, nil
}

// toJSON converts a document of any supported format into JSON with integer and wei fields
// normalized.
func toJSON(data []byte, f Format) ([]byte, error) {
	var tree any
	switch f {
	case FormatYAML:
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
		keepWideInts(&root)
		if err := root.Decode(&tree); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
	case FormatJSON:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}

	tree, err := coerceNumbers(tree, "")
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to json: %w", f, err)
	}

	return out, nil
}
