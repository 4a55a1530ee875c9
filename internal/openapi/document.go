// Package openapi describes the definition-driven resource routes as an
// OpenAPI 3 document.
package openapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/procura/model"
)

// BasePath prefixes every organization-scoped route.
const BasePath = "/api/v1/organizations/{orgID}"

const (
	errorSchema = "Error"
	tagResource = "resources"
)

// Build generates the document for defs. The result is validated before
// it is returned.
func Build(ctx context.Context, version string, defs []model.ResourceDefinition) (*openapi3.T, error) {
	if version == "" {
		version = "dev"
	}
	errSchema := errorEnvelopeSchema()
	b := builder{errRef: schemaRef(errorSchema, errSchema)}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "Procura API",
			Version: version,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{errorSchema: &openapi3.SchemaRef{Value: errSchema}},
			SecuritySchemes: openapi3.SecuritySchemes{
				"bearer": &openapi3.SecuritySchemeRef{Value: openapi3.NewJWTSecurityScheme()},
			},
		},
		Security: openapi3.SecurityRequirements{openapi3.NewSecurityRequirement().Authenticate("bearer")},
	}

	for _, def := range defs {
		record := recordSchema(def)
		input := inputSchema(def)
		doc.Components.Schemas[recordName(def)] = &openapi3.SchemaRef{Value: record}
		doc.Components.Schemas[inputName(def)] = &openapi3.SchemaRef{Value: input}

		recordRef := schemaRef(recordName(def), record)
		inputRef := schemaRef(inputName(def), input)
		pageRef := &openapi3.SchemaRef{Value: pageSchema(recordRef)}

		collection := BasePath + "/" + def.Path
		doc.Paths.Set(collection, &openapi3.PathItem{
			Parameters: openapi3.Parameters{pathParam("orgID")},
			Get: b.operation(def, "list", "List "+def.Name, listParams(def), nil,
				response(http.StatusOK, "A page of records", pageRef)),
			Post: b.operation(def, "create", "Create a record", nil, inputRef,
				response(http.StatusCreated, "The created record", recordRef)),
		})

		item := collection + "/{id}"
		doc.Paths.Set(item, &openapi3.PathItem{
			Parameters: openapi3.Parameters{pathParam("orgID"), pathParam("id")},
			Get: b.operation(def, "get", "Get a record", nil, nil,
				response(http.StatusOK, "The record", recordRef)),
			Put: b.operation(def, "replace", "Replace every mutable field", nil, inputRef,
				response(http.StatusOK, "The updated record", recordRef)),
			Patch: b.operation(def, "patch", "Update the fields present in the body", nil,
				&openapi3.SchemaRef{Value: patchSchema(input)},
				response(http.StatusOK, "The updated record", recordRef)),
			Delete: b.operation(def, "delete", "Delete a record", nil, nil,
				response(http.StatusNoContent, "Deleted", nil)),
		})
	}

	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validate generated document: %w", err)
	}
	return doc, nil
}

type builder struct {
	errRef *openapi3.SchemaRef
}

func (b builder) operation(def model.ResourceDefinition, verb, summary string, params openapi3.Parameters,
	body *openapi3.SchemaRef, success responseOption) *openapi3.Operation {
	op := &openapi3.Operation{
		OperationID: verb + "_" + def.Name,
		Summary:     summary,
		Description: def.Description,
		Tags:        []string{tagResource, def.Name},
		Parameters:  params,
	}
	if body != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchemaRef(body),
		}
	}

	errRef := b.errRef
	opts := []openapi3.NewResponsesOption{
		success,
		response(http.StatusUnauthorized, "Missing or invalid credentials", errRef),
		response(http.StatusForbidden, "Not a member, or the role may not perform this operation", errRef),
	}
	switch verb {
	case "list":
		opts = append(opts, response(http.StatusBadRequest, "Invalid sort or filter", errRef))
	case "create", "replace", "patch":
		opts = append(opts, response(http.StatusBadRequest, "Validation failed", errRef))
	}
	if verb != "list" && verb != "create" {
		opts = append(opts, response(http.StatusNotFound, "Record not found", errRef))
	}
	if verb == "replace" || verb == "patch" {
		opts = append(opts, response(http.StatusConflict, "Version conflict", errRef))
	}
	op.Responses = openapi3.NewResponses(opts...)
	return op
}

type responseOption = openapi3.NewResponsesOption

func response(status int, description string, schema *openapi3.SchemaRef) responseOption {
	resp := openapi3.NewResponse().WithDescription(description)
	if schema != nil {
		resp = resp.WithJSONSchemaRef(schema)
	}
	return openapi3.WithStatus(status, &openapi3.ResponseRef{Value: resp})
}

func pathParam(name string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema())}
}

func queryParam(name, description string, schema *openapi3.Schema) *openapi3.ParameterRef {
	p := openapi3.NewQueryParameter(name).WithSchema(schema)
	p.Description = description
	return &openapi3.ParameterRef{Value: p}
}

func listParams(def model.ResourceDefinition) openapi3.Parameters {
	sortValues := []any{"created_at", "updated_at"}
	for _, s := range def.Sortable {
		if s != "created_at" && s != "updated_at" {
			sortValues = append(sortValues, s)
		}
	}
	params := openapi3.Parameters{
		queryParam("page", "1-based page number", openapi3.NewInt64Schema().WithMin(1)),
		queryParam("page_size", "Records per page", openapi3.NewInt64Schema().WithMin(1)),
		queryParam("sort", "Sort field", openapi3.NewStringSchema().WithEnum(sortValues...)),
		queryParam("order", "Sort direction", openapi3.NewStringSchema().WithEnum("asc", "desc")),
	}
	for _, name := range def.Filterable {
		f, ok := def.Field(name)
		if !ok {
			continue
		}
		params = append(params, queryParam(name, "Equality filter", fieldSchema(f)))
	}
	return params
}

func recordName(def model.ResourceDefinition) string { return def.Name }

func inputName(def model.ResourceDefinition) string { return def.Name + "_input" }

func schemaRef(name string, value *openapi3.Schema) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Ref: "#/components/schemas/" + name, Value: value}
}
