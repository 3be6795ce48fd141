package config

import (
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces secret material in redacted copies.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every field tagged
// redact:"true" replaced by RedactedValue. The copy is safe to log or
// serve from the admin listener.
func RedactConfig(cfg *Config) (*Config, error) {
	// Round-trip through YAML for a deep copy.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	clone := &Config{}
	if err := yaml.Unmarshal(data, clone); err != nil {
		return nil, err
	}

	redactTagged(reflect.ValueOf(clone).Elem())
	return clone, nil
}

func redactTagged(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			redactTagged(v.Elem())
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := v.Field(i)
			if !field.CanSet() {
				continue
			}
			if t.Field(i).Tag.Get("redact") == "true" && field.Kind() == reflect.String {
				if field.String() != "" {
					field.SetString(RedactedValue)
				}
				continue
			}
			redactTagged(field)
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			redactTagged(v.Index(i))
		}
	}
}
