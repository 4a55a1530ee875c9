// Package validation wraps go-playground/validator and converts its errors
// into VALIDATION_ERROR envelopes carrying every failing field.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/procura/model"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator. Field names in errors are taken
// from json tags.
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		instance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return instance
}

// Struct validates v and returns a VALIDATION_ERROR listing every failing
// field, or nil.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError(fieldPath(fe), fe.Tag(), fe.Param()))
	}
	return model.NewValidationError(details)
}

// Var validates a single value against tag and returns the failing tag and
// its parameter.
func Var(value any, tag string) (failedTag, param string, ok bool, err error) {
	verr := Validator().Var(value, tag)
	if verr == nil {
		return "", "", true, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(verr, &verrs) || len(verrs) == 0 {
		return "", "", false, fmt.Errorf("validate %q: %w", tag, verr)
	}
	return verrs[0].Tag(), verrs[0].Param(), false, nil
}

// FieldError builds a detail entry with a readable message for a failed
// validator tag.
func FieldError(field, tag, param string) model.FieldError {
	return model.FieldError{Field: field, Code: strings.ToUpper(tag), Message: message(tag, param)}
}

func fieldPath(fe validator.FieldError) string {
	// Namespace is "Struct.field.sub"; drop the root struct name.
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func message(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url", "http_url":
		return "must be a valid URL"
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(param, " ", ", ")
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "len":
		return "must have length " + param
	case "gte":
		return "must be greater than or equal to " + param
	case "lte":
		return "must be less than or equal to " + param
	case "gt":
		return "must be greater than " + param
	case "uppercase":
		return "must be uppercase"
	case "datetime":
		return "must match layout " + param
	case "type":
		return "has the wrong type, expected " + param
	case "unknown":
		return "is not a known field"
	case "immutable":
		return "cannot be changed"
	case "exists":
		return "does not name an existing " + param + " record"
	}
	if param != "" {
		return fmt.Sprintf("failed %s=%s", tag, param)
	}
	return "failed " + tag
}
