package runner

import (
	"fmt"

	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

// validateFields checks input against fields per spec.md §4.I step 3/6:
// a missing required field is an error, a present-but-ill-typed field is
// an error, and fields not named in the schema pass through unchanged
// for forward compatibility. Missing optional fields with a default are
// filled in.
func validateFields(fields map[string]schema.FieldDef, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}

	var issues []string
	for name, def := range fields {
		value, present := input[name]
		if !present {
			switch {
			case def.Required:
				issues = append(issues, fmt.Sprintf("%s: required field missing", name))
			case def.Default != nil:
				out[name] = def.Default
			}
			continue
		}
		if err := checkFieldType(def, value); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %s", name, err))
		}
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return out, nil
}

func checkFieldType(def schema.FieldDef, value any) error {
	switch def.Type {
	case schema.FieldString, schema.FieldText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if def.MaxLength != nil && len(s) > *def.MaxLength {
			return fmt.Errorf("exceeds max_length %d", *def.MaxLength)
		}
		if def.MinLength != nil && len(s) < *def.MinLength {
			return fmt.Errorf("shorter than min_length %d", *def.MinLength)
		}
	case schema.FieldInteger:
		if !isIntegral(value) {
			return fmt.Errorf("expected integer, got %T", value)
		}
		if def.Range != nil {
			f := toFloat(value)
			if f < def.Range.Min || f > def.Range.Max {
				return fmt.Errorf("out of range [%g, %g]", def.Range.Min, def.Range.Max)
			}
		}
	case schema.FieldFloat:
		if !isNumeric(value) {
			return fmt.Errorf("expected float, got %T", value)
		}
		if def.Range != nil {
			f := toFloat(value)
			if f < def.Range.Min || f > def.Range.Max {
				return fmt.Errorf("out of range [%g, %g]", def.Range.Min, def.Range.Max)
			}
		}
	case schema.FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case schema.FieldJSON:
		// Any JSON-representable value is acceptable.
	case schema.FieldArray:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case schema.FieldEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string (enum), got %T", value)
		}
		found := false
		for _, v := range def.Values {
			if v == s {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%q is not one of %v", s, def.Values)
		}
	case schema.FieldUUID, schema.FieldDatetime, schema.FieldDate:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	default:
		return fmt.Errorf("unrecognized field type %q", def.Type)
	}
	return nil
}

func isIntegral(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	case float32:
		return v == float32(int64(v))
	default:
		return false
	}
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
