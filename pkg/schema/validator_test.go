package schema

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_RejectsUnsupportedFormat(t *testing.T) {
	raw := json.RawMessage(`{"type":"string","format":"phone-number"}`)
	_, err := Compile(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestCompile_AcceptsAllowedFormat(t *testing.T) {
	raw := json.RawMessage(`{"type":"string","format":"uuid"}`)
	v, err := Compile(raw)
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestCompile_RejectsUnconstrainedSchema(t *testing.T) {
	raw := json.RawMessage(`{"description":"no constraints here"}`)
	_, err := Compile(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constrains nothing")
}

func TestCompile_EmptySchemaAcceptsAnything(t *testing.T) {
	v, err := Compile(nil)
	require.NoError(t, err)
	result := v.Validate(context.Background(), map[string]interface{}{"anything": true})
	assert.True(t, result.Valid)
}

func TestCompile_AcceptsConstOnly(t *testing.T) {
	raw := json.RawMessage(`{"const":"fixed"}`)
	_, err := Compile(raw)
	require.NoError(t, err)
}

func TestCompile_AcceptsEnumOnly(t *testing.T) {
	raw := json.RawMessage(`{"enum":["a","b","c"]}`)
	_, err := Compile(raw)
	require.NoError(t, err)
}

func TestValidate_RequiredPropertyMissing(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	v, err := Compile(raw)
	require.NoError(t, err)

	result := v.Validate(context.Background(), map[string]interface{}{})
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
}

func TestValidate_ValidDocumentPasses(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	v, err := Compile(raw)
	require.NoError(t, err)

	result := v.Validate(context.Background(), map[string]interface{}{"name": "widget"})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidate_WrongTypeReportsDottedPath(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"count": {"type": "integer"}
		}
	}`)
	v, err := Compile(raw)
	require.NoError(t, err)

	result := v.Validate(context.Background(), map[string]interface{}{"count": "not-a-number"})
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], ".count")
}

func TestValidateRaw_InvalidJSON(t *testing.T) {
	v, err := Compile(json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)

	result := v.ValidateRaw(context.Background(), json.RawMessage(`{not json`))
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "invalid JSON")
}

func TestCompile_AcceptsAllowedFormatNested(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"contact": {
				"type": "object",
				"properties": {"email": {"type": "string", "format": "email"}}
			}
		}
	}`)
	_, err := Compile(raw)
	require.NoError(t, err)
}

func TestCompile_RejectsUnsupportedFormatNested(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"contact": {
				"type": "object",
				"properties": {"phone": {"type": "string", "format": "phone-number"}}
			}
		}
	}`)
	_, err := Compile(raw)
	require.Error(t, err)
}
