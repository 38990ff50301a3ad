package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvLoader overlays configuration values from environment variables, using
// yaml tags to derive variable names (e.g. security.traffic.requests_per_minute
// becomes BRIXSPORT_SECURITY_TRAFFIC_REQUESTS_PER_MINUTE).
type EnvLoader struct {
	prefix string
}

// NewEnvLoader creates a new environment loader
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix}
}

// Load loads configuration from environment variables
func (el *EnvLoader) Load(config *Config) error {
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix)
}

func (el *EnvLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldName := fieldType.Tag.Get("yaml")
		if fieldName == "" || fieldName == "-" {
			fieldName = fieldType.Name
		}
		envName := el.buildEnvName(prefix, fieldName)

		switch field.Kind() {
		case reflect.Struct:
			if field.Type() == reflect.TypeOf(time.Time{}) {
				continue
			}
			if err := el.loadStruct(field, envName); err != nil {
				return err
			}

		case reflect.Slice:
			if err := el.loadSlice(field, envName); err != nil {
				return err
			}

		case reflect.Map:
			// Maps stay file-configured; env overlay does not apply.
			continue

		default:
			if err := el.loadField(field, envName); err != nil {
				return err
			}
		}
	}

	return nil
}

func (el *EnvLoader) loadField(field reflect.Value, envName string) error {
	value := os.Getenv(envName)
	if value == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", envName, err)
			}
			field.Set(reflect.ValueOf(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer for %s: %w", envName, err)
			}
			field.SetInt(intVal)
		}

	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float for %s: %w", envName, err)
		}
		field.SetFloat(floatVal)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", envName, err)
		}
		field.SetBool(boolVal)

	default:
		return fmt.Errorf("unsupported field type %s for %s", field.Kind(), envName)
	}

	return nil
}

func (el *EnvLoader) loadSlice(field reflect.Value, envName string) error {
	value := os.Getenv(envName)
	if value == "" {
		return nil
	}

	if field.Type().Elem().Kind() != reflect.String {
		return nil
	}

	parts := strings.Split(value, ",")
	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, part := range parts {
		slice.Index(i).SetString(strings.TrimSpace(part))
	}
	field.Set(slice)

	return nil
}

func (el *EnvLoader) buildEnvName(prefix, fieldName string) string {
	name := strings.ToUpper(strings.ReplaceAll(fieldName, "-", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}
