package definition

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/pitabwire/procura/internal/validation"
	"github.com/pitabwire/procura/model"
)

// VError describes a single problem in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var (
	identifier  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	pathSegment = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)
)

var validFieldTypes = map[string]bool{
	model.FieldString: true, model.FieldText: true, model.FieldNumber: true,
	model.FieldInteger: true, model.FieldBoolean: true, model.FieldDate: true,
	model.FieldDateTime: true, model.FieldUUID: true, model.FieldEmail: true,
	model.FieldURL: true, model.FieldEnum: true, model.FieldStringList: true,
}

// Columns every resource table carries; definitions may not redeclare them.
var reservedColumns = map[string]bool{
	"id": true, "organization_id": true, "created_by": true,
	"created_at": true, "updated_at": true, "version": true,
}

// Validator checks definitions structurally and referentially before they
// are served.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and reports every problem found.
func (v *Validator) Validate(defs []model.ResourceDefinition) []VError {
	var errs []VError
	names := map[string]int{}
	paths := map[string]int{}
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		if j, dup := names[def.Name]; dup && def.Name != "" {
			errs = append(errs, VError{Path: prefix + ".name", Code: "DUPLICATE",
				Message: fmt.Sprintf("resource %q is also declared by definitions[%d]", def.Name, j)})
		}
		if j, dup := paths[def.Path]; dup && def.Path != "" {
			errs = append(errs, VError{Path: prefix + ".path", Code: "DUPLICATE",
				Message: fmt.Sprintf("path %q is also used by definitions[%d]", def.Path, j)})
		}
		names[def.Name] = i
		paths[def.Path] = i
		errs = append(errs, v.validateResource(prefix, def)...)
	}

	for i, def := range defs {
		for j, f := range def.Fields {
			if f.References == "" {
				continue
			}
			fp := fmt.Sprintf("definitions[%d].fields[%d].references", i, j)
			if def.SourceFile != "" {
				fp = fmt.Sprintf("%s.fields[%d].references", def.SourceFile, j)
			}
			if _, ok := names[f.References]; !ok {
				errs = append(errs, VError{Path: fp, Code: "UNKNOWN_RESOURCE",
					Message: fmt.Sprintf("referenced resource %q is not declared", f.References)})
			}
			if f.Type != model.FieldUUID && f.Type != model.FieldString {
				errs = append(errs, VError{Path: fp, Code: "INVALID",
					Message: "only uuid and string fields can reference another resource"})
			}
		}
	}
	return errs
}

func (v *Validator) validateResource(prefix string, def model.ResourceDefinition) []VError {
	var errs []VError

	if !identifier.MatchString(def.Name) {
		errs = append(errs, VError{Path: prefix + ".name", Code: "INVALID", Message: "name must be a lower_snake identifier"})
	}
	if !identifier.MatchString(def.Table) {
		errs = append(errs, VError{Path: prefix + ".table", Code: "INVALID", Message: "table must be a lower_snake identifier"})
	}
	if !pathSegment.MatchString(def.Path) {
		errs = append(errs, VError{Path: prefix + ".path", Code: "INVALID", Message: "path must be a lower-kebab URL segment"})
	}
	if len(def.WriteRoles) == 0 {
		errs = append(errs, VError{Path: prefix + ".write_roles", Code: "REQUIRED", Message: "at least one write role is required"})
	}
	for key, roles := range map[string][]model.Role{
		"read_roles": def.ReadRoles, "write_roles": def.WriteRoles, "delete_roles": def.DeleteRoles,
	} {
		for _, r := range roles {
			if _, ok := model.ParseRole(string(r)); !ok {
				errs = append(errs, VError{Path: prefix + "." + key, Code: "UNKNOWN_ROLE", Message: fmt.Sprintf("unknown role %q", r)})
			}
		}
	}
	if len(def.Fields) == 0 {
		errs = append(errs, VError{Path: prefix + ".fields", Code: "REQUIRED", Message: "at least one field is required"})
	}

	declared := map[string]bool{}
	for i, f := range def.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		errs = append(errs, v.validateField(fp, f)...)
		if declared[f.Name] {
			errs = append(errs, VError{Path: fp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("field %q declared twice", f.Name)})
		}
		declared[f.Name] = true
	}

	sortable := func(name string) bool { return declared[name] || reservedColumns[name] }
	for _, s := range def.Sortable {
		if !sortable(s) {
			errs = append(errs, VError{Path: prefix + ".sortable", Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("sortable field %q is not declared", s)})
		}
	}
	for _, s := range def.Filterable {
		f, ok := def.Field(s)
		if !ok {
			errs = append(errs, VError{Path: prefix + ".filterable", Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("filterable field %q is not declared", s)})
			continue
		}
		if f.Type == model.FieldStringList || f.Type == model.FieldText || f.WriteOnly {
			errs = append(errs, VError{Path: prefix + ".filterable", Code: "NOT_FILTERABLE", Message: fmt.Sprintf("field %q cannot be filtered", s)})
		}
	}
	if def.DefaultSort != "" && !slices.Contains(def.Sortable, def.DefaultSort) {
		errs = append(errs, VError{Path: prefix + ".default_sort", Code: "UNKNOWN_FIELD", Message: "default_sort must be listed in sortable"})
	}

	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldDefinition) []VError {
	var errs []VError

	if !identifier.MatchString(f.Name) {
		errs = append(errs, VError{Path: prefix + ".name", Code: "INVALID", Message: "field name must be a lower_snake identifier"})
	}
	if reservedColumns[f.Name] {
		errs = append(errs, VError{Path: prefix + ".name", Code: "RESERVED", Message: fmt.Sprintf("%q is managed by the service", f.Name)})
	}
	if !validFieldTypes[f.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID", Message: fmt.Sprintf("unknown field type %q", f.Type)})
	}
	if f.Type == model.FieldEnum && len(f.Values) == 0 {
		errs = append(errs, VError{Path: prefix + ".values", Code: "REQUIRED", Message: "enum fields need values"})
	}
	if f.Type != model.FieldEnum && len(f.Values) > 0 {
		errs = append(errs, VError{Path: prefix + ".values", Code: "INVALID", Message: "values only apply to enum fields"})
	}
	if f.Validate != "" {
		if err := checkTag(f.Validate); err != nil {
			errs = append(errs, VError{Path: prefix + ".validate", Code: "INVALID", Message: err.Error()})
		}
	}
	return errs
}

// checkTag runs tag once against an empty value. The validator panics on
// unknown tags, which is the failure this reports.
func checkTag(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid validate tag %q: %v", tag, r)
		}
	}()
	_, _, _, err = validation.Var("", tag)
	return err
}
