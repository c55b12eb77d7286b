package hardware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/labflow/pkg/schema"
)

// ConfigValidator validates a decoded hardware config document before it
// is applied.
type ConfigValidator interface {
	ValidateHardwareConfig(doc any) error
}

// configFile is the on-disk layout:
//
//	{"hardware_platforms": {"<family>": {"connection": {}, "capabilities": {}, "calibration": {}}}}
//
// Family keys accept the platform aliases understood by schema.ParseFamily.
type configFile struct {
	HardwarePlatforms map[string]schema.DeviceConfig `json:"hardware_platforms" yaml:"hardware_platforms"`
}

// LoadConfigFile reads a JSON or YAML (.yaml, .yml) hardware config.
// v may be nil to skip schema validation.
func LoadConfigFile(path string, v ConfigValidator) (map[schema.Family]schema.DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read hardware config: %s", err).
			WithCause(err).
			WithDetails(map[string]any{"path": path})
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ParseConfig(data, ext == ".yaml" || ext == ".yml", v)
}

// ParseConfig decodes a hardware config document. YAML is a superset of
// JSON, but JSON input goes through encoding/json so number handling
// matches the rest of the system.
func ParseConfig(data []byte, isYAML bool, v ConfigValidator) (map[schema.Family]schema.DeviceConfig, error) {
	var doc any
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &doc)
		doc = stringKeys(doc)
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		err = dec.Decode(&doc)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode hardware config: %s", err).WithCause(err)
	}

	if v != nil {
		if err := v.ValidateHardwareConfig(doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid hardware config: %s", err).WithCause(err)
		}
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "normalize hardware config: %s", err).WithCause(err)
	}
	var file configFile
	if err := json.Unmarshal(normalized, &file); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode hardware platforms: %s", err).WithCause(err)
	}

	out := make(map[schema.Family]schema.DeviceConfig, len(file.HardwarePlatforms))
	for name, cfg := range file.HardwarePlatforms {
		family, err := schema.ParseFamily(name)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown hardware platform %q", name).WithCause(err)
		}
		if _, dup := out[family]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"hardware platform %q configured twice for family %s", name, family)
		}
		cfg.Family = family
		out[family] = cfg
	}
	return out, nil
}

// stringKeys converts YAML mappings with non-string keys (pumps: {0: ...})
// into string-keyed maps.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = stringKeys(val)
		}
		return t
	default:
		return v
	}
}
