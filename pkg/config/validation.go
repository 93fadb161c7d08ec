package config

import (
	"fmt"
	"reflect"
	"strings"
)

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "")
}

// Redacted returns the configuration with secrets masked.
// Pass the secrets Config returned by LoadWithSecrets() to mask those values.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		secrets = &Config{}
	}
	return formatStructWithMask(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

func formatStruct(v reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		if !value.CanInterface() {
			continue
		}

		// squashed structs print their fields at the parent level
		if field.Anonymous && value.Kind() == reflect.Struct {
			sb.WriteString(formatStruct(value, prefix))
			continue
		}

		fieldName := strings.ToLower(field.Name)
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					elem := value.Index(j)
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, elem.Interface()))
				}
			}
		case reflect.Map:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: {}\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for _, key := range value.MapKeys() {
					mapValue := value.MapIndex(key)
					sb.WriteString(fmt.Sprintf("%s  %v: %v\n", prefix, key.Interface(), mapValue.Interface()))
				}
			}
		default:
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, value.Interface()))
		}
	}

	return sb.String()
}

func formatStructWithMask(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		maskValue := mask.Field(i)

		if !value.CanInterface() {
			continue
		}

		if field.Anonymous && value.Kind() == reflect.Struct {
			sb.WriteString(formatStructWithMask(value, maskValue, prefix))
			continue
		}

		fieldName := strings.ToLower(field.Name)
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStructWithMask(value, maskValue, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					elem := value.Index(j)
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, elem.Interface()))
				}
			}
		case reflect.Map:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: {}\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for _, key := range value.MapKeys() {
					mapValue := value.MapIndex(key)
					sb.WriteString(fmt.Sprintf("%s  %v: %v\n", prefix, key.Interface(), mapValue.Interface()))
				}
			}
		default:
			displayValue := value.Interface()
			// Check if this field has a non-zero value in secrets
			if shouldRedact(maskValue) || (credentialFields[fieldName] && shouldRedact(value)) {
				displayValue = "***"
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, displayValue))
		}
	}

	return sb.String()
}

// credentialFields are redacted even when set outside the secrets file.
var credentialFields = map[string]bool{
	"secret_access_key": true,
	"session_token":     true,
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
