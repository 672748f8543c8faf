package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema is the structural schema every manifest file must
// satisfy before typed decoding. Semantic checks live in Validate.
const manifestSchema = `{
  "type": "object",
  "required": ["id", "name", "version", "session_scope"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "provider": {"type": "string"},
    "description": {"type": "string"},
    "icon": {"type": "string"},
    "required_config_fields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "label": {"type": "string"},
          "type": {"enum": ["string", "secret", "url", "integer", "boolean", "enum"]},
          "required": {"type": "boolean"},
          "secret": {"type": "boolean"},
          "options": {"type": "array", "items": {"type": "string"}},
          "validation_regex": {"type": "string"},
          "validation_error": {"type": "string"}
        }
      }
    },
    "webhook_paths": {"type": "array", "items": {"type": "string"}},
    "session_scope": {"enum": ["user", "user_conversation"]},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "security_defaults": {"type": "object"},
    "setup_steps": {"type": "array"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestFileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("channel_manifest.schema.json", manifestSchema)
	})
	return compiledSchema, schemaErr
}

// Parse decodes and validates one manifest document.
func Parse(data []byte) (*ChannelManifest, error) {
	schema, err := manifestFileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("manifest schema violation: %w", err)
	}

	var m ChannelManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidationError describes why a candidate channel config was
// rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// ValidateConfig checks a candidate config against the manifest's field
// declarations. The config is not mutated; callers persist only after a
// nil return.
func (m *ChannelManifest) ValidateConfig(config map[string]any) error {
	for i := range m.RequiredConfigFields {
		f := &m.RequiredConfigFields[i]
		val, ok := config[f.Name]
		if !ok || val == nil {
			if f.Required {
				return &ValidationError{Field: f.Name, Reason: "required field is missing"}
			}
			continue
		}
		if err := f.check(val); err != nil {
			return err
		}
	}
	return nil
}

func (f *ConfigField) check(val any) error {
	switch f.Type {
	case FieldString, FieldSecret:
		s, ok := val.(string)
		if !ok {
			return &ValidationError{Field: f.Name, Reason: "expected a string"}
		}
		return f.checkPattern(s)
	case FieldURL:
		s, ok := val.(string)
		if !ok {
			return &ValidationError{Field: f.Name, Reason: "expected a URL string"}
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{Field: f.Name, Reason: "not a valid absolute URL"}
		}
		return f.checkPattern(s)
	case FieldInteger:
		switch v := val.(type) {
		case int, int64:
			return nil
		case float64:
			if v != float64(int64(v)) {
				return &ValidationError{Field: f.Name, Reason: "expected an integer"}
			}
			return nil
		default:
			return &ValidationError{Field: f.Name, Reason: "expected an integer"}
		}
	case FieldBoolean:
		if _, ok := val.(bool); !ok {
			return &ValidationError{Field: f.Name, Reason: "expected a boolean"}
		}
		return nil
	case FieldEnum:
		s, ok := val.(string)
		if !ok {
			return &ValidationError{Field: f.Name, Reason: "expected a string"}
		}
		for _, opt := range f.Options {
			if s == opt {
				return nil
			}
		}
		return &ValidationError{Field: f.Name, Reason: fmt.Sprintf("%q is not one of the allowed options", s)}
	}
	return &ValidationError{Field: f.Name, Reason: fmt.Sprintf("unknown field type %q", f.Type)}
}

func (f *ConfigField) checkPattern(s string) error {
	if f.compiledRegex == nil {
		return nil
	}
	if !f.compiledRegex.MatchString(s) {
		reason := f.ValidationError
		if reason == "" {
			reason = "value does not match the required pattern"
		}
		return &ValidationError{Field: f.Name, Reason: reason}
	}
	return nil
}
