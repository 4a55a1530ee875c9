package resource

import (
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/procura/internal/validation"
	"github.com/pitabwire/procura/model"
)

// DateLayout is the wire and storage format of date fields.
const DateLayout = "2006-01-02"

// Mode selects how a body is checked against a definition.
type Mode int

const (
	// ModeCreate requires every required field and applies defaults.
	ModeCreate Mode = iota
	// ModeReplace is a PUT: every mutable required field must be present and
	// absent optional fields are cleared.
	ModeReplace
	// ModePatch only checks the fields present in the body.
	ModePatch
)

// Normalize validates body against def and returns the canonical attribute
// values to store. Every invalid field is reported in one VALIDATION_ERROR.
// current holds the stored attributes for replace and patch.
func Normalize(def model.ResourceDefinition, body map[string]any, mode Mode, current map[string]any) (map[string]any, error) {
	var details []model.FieldError
	out := make(map[string]any, len(def.Fields))

	for key := range body {
		if _, ok := def.Field(key); !ok {
			details = append(details, validation.FieldError(key, "unknown", ""))
		}
	}

	for _, f := range def.Fields {
		raw, present := body[f.Name]

		if f.Immutable && mode != ModeCreate {
			if present && !equalValue(f, raw, current[f.Name]) {
				details = append(details, validation.FieldError(f.Name, "immutable", ""))
			}
			continue
		}

		if !present || raw == nil {
			switch {
			case mode == ModePatch && !present:
				continue
			case f.Default != nil && !present && mode != ModePatch:
				raw = f.Default
			case f.Required:
				details = append(details, validation.FieldError(f.Name, "required", ""))
				continue
			default:
				out[f.Name] = nil
				continue
			}
		}

		v, fe := coerce(f, raw)
		if fe != nil {
			details = append(details, *fe)
			continue
		}
		if f.Required && isBlank(v) {
			details = append(details, validation.FieldError(f.Name, "required", ""))
			continue
		}
		if f.Validate != "" {
			tag, param, ok, err := validation.Var(tagValue(v), f.Validate)
			if err != nil {
				return nil, err
			}
			if !ok {
				details = append(details, validation.FieldError(f.Name, tag, param))
				continue
			}
		}
		out[f.Name] = v
	}

	if len(details) > 0 {
		slices.SortFunc(details, func(a, b model.FieldError) int { return strings.Compare(a.Field, b.Field) })
		return nil, model.NewValidationError(details)
	}
	return out, nil
}

// coerce converts a decoded JSON value into the canonical Go type of the
// field: string, float64, int64, bool, []string, or time.Time for datetime.
// Dates stay strings in DateLayout.
func coerce(f model.FieldDefinition, raw any) (any, *model.FieldError) {
	wrongType := func() (any, *model.FieldError) {
		fe := validation.FieldError(f.Name, "type", f.Type)
		return nil, &fe
	}
	check := func(v any, tag string) (any, *model.FieldError) {
		if _, _, ok, _ := validation.Var(v, tag); !ok {
			fe := validation.FieldError(f.Name, tag, "")
			return nil, &fe
		}
		return v, nil
	}

	switch f.Type {
	case model.FieldString, model.FieldText:
		s, ok := raw.(string)
		if !ok {
			return wrongType()
		}
		return s, nil
	case model.FieldEmail, model.FieldURL, model.FieldUUID:
		s, ok := raw.(string)
		if !ok {
			return wrongType()
		}
		return check(s, f.Type)
	case model.FieldEnum:
		s, ok := raw.(string)
		if !ok {
			return wrongType()
		}
		if !slices.Contains(f.Values, s) {
			fe := validation.FieldError(f.Name, "oneof", strings.Join(f.Values, " "))
			return nil, &fe
		}
		return s, nil
	case model.FieldNumber:
		n, ok := toFloat(raw)
		if !ok {
			return wrongType()
		}
		return n, nil
	case model.FieldInteger:
		n, ok := toFloat(raw)
		if !ok || n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return wrongType()
		}
		return int64(n), nil
	case model.FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return wrongType()
		}
		return b, nil
	case model.FieldDate:
		switch v := raw.(type) {
		case string:
			if _, err := time.Parse(DateLayout, v); err != nil {
				fe := validation.FieldError(f.Name, "datetime", DateLayout)
				return nil, &fe
			}
			return v, nil
		case time.Time:
			return v.Format(DateLayout), nil
		}
		return wrongType()
	case model.FieldDateTime:
		switch v := raw.(type) {
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				fe := validation.FieldError(f.Name, "datetime", time.RFC3339)
				return nil, &fe
			}
			return ts.UTC(), nil
		case time.Time:
			return v.UTC(), nil
		}
		return wrongType()
	case model.FieldStringList:
		switch v := raw.(type) {
		case []string:
			return slices.Clone(v), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok || s == "" {
					fe := validation.FieldError(f.Name, "type", "list of non-empty strings")
					return nil, &fe
				}
				out = append(out, s)
			}
			return out, nil
		}
		return wrongType()
	}
	return wrongType()
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// tagValue adapts canonical values for validator tags; time values are
// checked as strings.
func tagValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.Format(time.RFC3339)
	}
	return v
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x) == ""
	case []string:
		return len(x) == 0
	}
	return false
}

func equalValue(f model.FieldDefinition, raw, stored any) bool {
	v, fe := coerce(f, raw)
	if fe != nil {
		return false
	}
	return reflect.DeepEqual(v, stored)
}

// ParseFilter converts a query-string value into the canonical type of
// field so stores can compare it for equality.
func ParseFilter(f model.FieldDefinition, raw string) (any, error) {
	var v any = raw
	switch f.Type {
	case model.FieldNumber, model.FieldInteger:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, model.NewFieldError(f.Name, "TYPE", "has the wrong type, expected "+f.Type)
		}
		v = n
	case model.FieldBoolean:
		switch raw {
		case "true":
			v = true
		case "false":
			v = false
		default:
			return nil, model.NewFieldError(f.Name, "TYPE", "has the wrong type, expected boolean")
		}
	}
	out, fe := coerce(f, v)
	if fe != nil {
		return nil, model.NewValidationError([]model.FieldError{*fe})
	}
	return out, nil
}
