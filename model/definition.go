package model

import "time"

// Field types supported by resource definitions.
const (
	FieldString     = "string"
	FieldText       = "text"
	FieldNumber     = "number"
	FieldInteger    = "integer"
	FieldBoolean    = "boolean"
	FieldDate       = "date"
	FieldDateTime   = "datetime"
	FieldUUID       = "uuid"
	FieldEmail      = "email"
	FieldURL        = "url"
	FieldEnum       = "enum"
	FieldStringList = "string_list"
)

// ResourceDefinition is the root structure of a resource definition file.
// Each file declares one organization-scoped CRUD resource.
type ResourceDefinition struct {
	Name        string            `yaml:"name"         json:"name"`
	Path        string            `yaml:"path"         json:"path"`
	Table       string            `yaml:"table"        json:"table"`
	Description string            `yaml:"description"  json:"description,omitempty"`
	ReadRoles   []Role            `yaml:"read_roles"   json:"read_roles,omitempty"`
	WriteRoles  []Role            `yaml:"write_roles"  json:"write_roles"`
	DeleteRoles []Role            `yaml:"delete_roles" json:"delete_roles,omitempty"`
	Sortable    []string          `yaml:"sortable"     json:"sortable,omitempty"`
	Filterable  []string          `yaml:"filterable"   json:"filterable,omitempty"`
	DefaultSort string            `yaml:"default_sort" json:"default_sort,omitempty"`
	Events      bool              `yaml:"events"       json:"events"`
	Fields      []FieldDefinition `yaml:"fields"       json:"fields"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// FieldDefinition describes one column of a resource.
type FieldDefinition struct {
	Name      string   `yaml:"name"      json:"name"`
	Type      string   `yaml:"type"      json:"type"`
	Required  bool     `yaml:"required"  json:"required,omitempty"`
	Validate  string   `yaml:"validate"  json:"validate,omitempty"`
	Values    []string `yaml:"values"    json:"values,omitempty"`
	Immutable bool     `yaml:"immutable" json:"immutable,omitempty"`
	// Sensitive values are redacted in the audit log.
	Sensitive bool `yaml:"sensitive" json:"sensitive,omitempty"`
	// WriteOnly values are accepted but never returned.
	WriteOnly bool `yaml:"write_only" json:"write_only,omitempty"`
	// Default is applied on create when the field is absent.
	Default any `yaml:"default" json:"default,omitempty"`
	// References names the resource whose record id the field holds.
	References string `yaml:"references" json:"references,omitempty"`
}

// Field returns the named field definition.
func (d *ResourceDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Record is one stored row of a definition-driven resource. Attributes hold
// the definition's fields; the remaining columns are common to every table.
type Record struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Attributes     map[string]any `json:"attributes"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int            `json:"version"`
}

// RecordQuery selects records of one resource within an organization.
type RecordQuery struct {
	Filters    map[string]any
	Sort       string
	Descending bool
	Limit      int
	Offset     int
}

// Page is a paginated list response.
type Page[T any] struct {
	Data       []T `json:"data"`
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}
