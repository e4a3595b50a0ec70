package connector

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/contextgraph/pkg/errs"
)

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Resolved
	configSchemaErr  error
)

// ConfigSchema returns the JSON schema every stored or submitted Config must satisfy.
func ConfigSchema() (*jsonschema.Resolved, error) {
	configSchemaOnce.Do(func() {
		schema, err := jsonschema.For[Config](nil)
		if err != nil {
			configSchemaErr = fmt.Errorf("failed to create connector config schema: %w", err)
			return
		}
		configSchema, configSchemaErr = schema.Resolve(nil)
		if configSchemaErr != nil {
			configSchemaErr = fmt.Errorf("failed to resolve connector config schema: %w", configSchemaErr)
		}
	})
	return configSchema, configSchemaErr
}

// DecodeConfig validates a JSON document against ConfigSchema and decodes it.
func DecodeConfig(data []byte) (Config, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Config{}, errs.Validation("invalid connector config: %v", err)
	}
	return decodeInstance(instance)
}

// DecodeYAMLConfig is DecodeConfig for YAML documents, using the same field names.
func DecodeYAMLConfig(data []byte) (Config, error) {
	var instance any
	if err := yaml.Unmarshal(data, &instance); err != nil {
		return Config{}, errs.Validation("invalid connector config: %v", err)
	}
	if instance == nil {
		instance = map[string]any{}
	}
	// Round-trip through JSON so the schema sees JSON types rather than YAML ones.
	raw, err := json.Marshal(instance)
	if err != nil {
		return Config{}, errs.Validation("invalid connector config: %v", err)
	}
	return DecodeConfig(raw)
}

// LoadConfigFile reads a connector config from a .yaml, .yml or .json file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read connector config: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		return DecodeConfig(data)
	}
	return DecodeYAMLConfig(data)
}

func decodeInstance(instance any) (Config, error) {
	schema, err := ConfigSchema()
	if err != nil {
		return Config{}, err
	}
	if err := schema.Validate(instance); err != nil {
		return Config{}, errs.Validation("invalid connector config: %v", err)
	}
	raw, err := json.Marshal(instance)
	if err != nil {
		return Config{}, fmt.Errorf("failed to encode connector config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.Validation("invalid connector config: %v", err)
	}
	return cfg, nil
}
