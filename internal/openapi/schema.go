package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/procura/model"
)

// fieldSchema maps a definition field type to its JSON schema.
func fieldSchema(f model.FieldDefinition) *openapi3.Schema {
	var s *openapi3.Schema
	switch f.Type {
	case model.FieldNumber:
		s = openapi3.NewFloat64Schema()
	case model.FieldInteger:
		s = openapi3.NewInt64Schema()
	case model.FieldBoolean:
		s = openapi3.NewBoolSchema()
	case model.FieldDate:
		s = openapi3.NewStringSchema().WithFormat("date")
	case model.FieldDateTime:
		s = openapi3.NewStringSchema().WithFormat("date-time")
	case model.FieldUUID, model.FieldEmail:
		s = openapi3.NewStringSchema().WithFormat(f.Type)
	case model.FieldURL:
		s = openapi3.NewStringSchema().WithFormat("uri")
	case model.FieldEnum:
		values := make([]any, len(f.Values))
		for i, v := range f.Values {
			values[i] = v
		}
		s = openapi3.NewStringSchema().WithEnum(values...)
	case model.FieldStringList:
		s = openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())
	default:
		s = openapi3.NewStringSchema()
	}
	if f.Default != nil {
		s.Default = f.Default
	}
	if !f.Required {
		s.Nullable = true
	}
	return s
}

// recordSchema is the response shape of one record. Write-only fields are
// never returned and are left out.
func recordSchema(def model.ResourceDefinition) *openapi3.Schema {
	attrs := openapi3.NewObjectSchema()
	var required []string
	for _, f := range def.Fields {
		if f.WriteOnly {
			continue
		}
		attrs.WithProperty(f.Name, fieldSchema(f))
		if f.Required {
			required = append(required, f.Name)
		}
	}
	attrs.Required = required

	rec := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("organization_id", openapi3.NewStringSchema()).
		WithPropertyRef("attributes", &openapi3.SchemaRef{Value: attrs}).
		WithProperty("created_by", openapi3.NewStringSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("updated_at", openapi3.NewDateTimeSchema()).
		WithProperty("version", openapi3.NewInt64Schema())
	rec.Required = []string{"id", "organization_id", "attributes", "version"}
	rec.Description = def.Description
	return rec
}

// inputSchema is the POST and PUT body. version is optional and guards
// against lost updates.
func inputSchema(def model.ResourceDefinition) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	var required []string
	for _, f := range def.Fields {
		fs := fieldSchema(f)
		fs.WriteOnly = f.WriteOnly
		s.WithProperty(f.Name, fs)
		if f.Required && f.Default == nil {
			required = append(required, f.Name)
		}
	}
	s.WithProperty("version", openapi3.NewInt64Schema().WithMin(1))
	s.Required = required
	s.AdditionalProperties = openapi3.AdditionalProperties{Has: openapi3.BoolPtr(false)}
	return s
}

// patchSchema is input with nothing required.
func patchSchema(input *openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Properties = input.Properties
	s.AdditionalProperties = input.AdditionalProperties
	return s
}

func pageSchema(record *openapi3.SchemaRef) *openapi3.Schema {
	data := openapi3.NewArraySchema()
	data.Items = record
	s := openapi3.NewObjectSchema().
		WithProperty("data", data).
		WithProperty("total_count", openapi3.NewInt64Schema()).
		WithProperty("page", openapi3.NewInt64Schema()).
		WithProperty("page_size", openapi3.NewInt64Schema())
	s.Required = []string{"data", "total_count", "page", "page_size"}
	return s
}

func errorEnvelopeSchema() *openapi3.Schema {
	detail := openapi3.NewObjectSchema().
		WithProperty("field", openapi3.NewStringSchema()).
		WithProperty("code", openapi3.NewStringSchema()).
		WithProperty("message", openapi3.NewStringSchema())
	s := openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewStringSchema()).
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("details", openapi3.NewArraySchema().WithItems(detail)).
		WithProperty("trace_id", openapi3.NewStringSchema())
	s.Required = []string{"code", "error"}
	return s
}
