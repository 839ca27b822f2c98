// Package schema validates action inputs and outputs against a
// JSON-Schema-shaped document using the openapi3.Schema model that
// getkin/kin-openapi already provides — the same struct OpenAPI 3
// document parsing produces for a "schema" node, reused here as a
// standalone JSON Schema engine.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// allowedFormats is the closed set of "format" values this validator
// accepts. A schema naming any other format is rejected by Compile
// rather than silently ignored, so a typo in a format name fails
// loudly instead of letting invalid data through.
var allowedFormats = map[string]bool{
	"email":     true,
	"uri":       true,
	"url":       true,
	"uuid":      true,
	"date-time": true,
	"date":      true,
	"time":      true,
	"ipv4":      true,
	"ipv6":      true,
}

// Result is the outcome of validating a document against a schema.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator wraps a parsed openapi3.Schema for repeated use against many
// documents.
type Validator struct {
	schema *openapi3.Schema
}

// Compile parses raw into an openapi3.Schema and rejects it outright if it
// uses a format outside allowedFormats, or declares none of
// type/anyOf/oneOf/allOf/const/enum (a schema that constrains nothing is
// almost certainly a mistake, not an intentional "accept anything" schema).
func Compile(raw json.RawMessage) (*Validator, error) {
	if len(raw) == 0 {
		return &Validator{schema: &openapi3.Schema{}}, nil
	}

	var schema openapi3.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	if err := checkFormats(&schema); err != nil {
		return nil, err
	}
	if err := checkConstrains(&schema); err != nil {
		return nil, err
	}

	return &Validator{schema: &schema}, nil
}

func checkFormats(schema *openapi3.Schema) error {
	if schema.Format != "" && !allowedFormats[schema.Format] {
		return fmt.Errorf("unsupported format %q", schema.Format)
	}
	for _, sub := range schema.Properties {
		if sub.Value != nil {
			if err := checkFormats(sub.Value); err != nil {
				return err
			}
		}
	}
	if schema.Items != nil && schema.Items.Value != nil {
		if err := checkFormats(schema.Items.Value); err != nil {
			return err
		}
	}
	for _, variants := range [][]*openapi3.SchemaRef{schema.AnyOf, schema.OneOf, schema.AllOf} {
		for _, v := range variants {
			if v.Value != nil {
				if err := checkFormats(v.Value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkConstrains(schema *openapi3.Schema) error {
	if schema.Type == nil && len(schema.AnyOf) == 0 && len(schema.OneOf) == 0 &&
		len(schema.AllOf) == 0 && schema.Const == nil && len(schema.Enum) == 0 {
		return fmt.Errorf("schema constrains nothing: must declare type, anyOf, oneOf, allOf, const, or enum")
	}
	return nil
}

// Validate checks doc (a JSON document, already decoded into Go values by
// encoding/json — maps, slices, strings, float64, bool, nil) against the
// compiled schema. oneOf/anyOf failures are reported as a single combined
// error listing every branch that failed, since openapi3 does not itself
// identify "the" intended branch.
func (v *Validator) Validate(ctx context.Context, doc interface{}) Result {
	err := v.schema.VisitJSON(doc, openapi3.MultiErrors())
	if err == nil {
		return Result{Valid: true}
	}
	return Result{Valid: false, Errors: flattenErrors(err)}
}

// ValidateRaw decodes raw JSON before validating.
func (v *Validator) ValidateRaw(ctx context.Context, raw json.RawMessage) Result {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{Valid: false, Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return v.Validate(ctx, doc)
}

func flattenErrors(err error) []string {
	var out []string
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, sub := range e {
			out = append(out, flattenErrors(sub)...)
		}
	case *openapi3.SchemaError:
		out = append(out, formatSchemaError(e))
	default:
		out = append(out, err.Error())
	}
	sort.Strings(out)
	return out
}

func formatSchemaError(e *openapi3.SchemaError) string {
	path := e.JSONPointer()
	if len(path) == 0 {
		return e.Error()
	}
	return fmt.Sprintf("%s: %s", "."+strings.Join(path, "."), e.Reason)
}
