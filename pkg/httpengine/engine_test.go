package httpengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actionrunner/pkg/action"
)

func testDefinition(url, method string) action.ActionDefinition {
	return action.ActionDefinition{
		ID: "test-action",
		Endpoint: action.Endpoint{
			URLTemplate: url,
			Method:      method,
			Timeout:     2 * time.Second,
		},
	}
}

func TestExecute_SuccessReturnsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer srv.Close()

	engine := New(srv.Client(), nil)
	outcome := engine.Execute(context.Background(), 1, testDefinition(srv.URL, http.MethodPost), map[string]interface{}{"name": "widget"}, action.ExecutionContext{})

	require.Nil(t, outcome.Err)
	assert.JSONEq(t, `{"id":"abc123"}`, string(outcome.Output))
	assert.Equal(t, 1, outcome.Entry.Attempt)
	assert.Equal(t, 200, outcome.Entry.Response.StatusCode)
}

func TestExecute_NonSuccessStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	engine := New(srv.Client(), nil)
	outcome := engine.Execute(context.Background(), 1, testDefinition(srv.URL, http.MethodGet), map[string]interface{}{}, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, "auth_invalid", string(outcome.Err.Category))
	assert.Equal(t, "invalid token", outcome.Err.Context["error"])
}

func TestExecute_BearerAuthApplied(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	def := testDefinition(srv.URL, http.MethodPost)
	def.Authentication = &action.Authentication{Kind: action.AuthBearer, Token: "${credentials.apiToken}"}

	engine := New(srv.Client(), nil)
	execCtx := action.ExecutionContext{Credentials: map[string]string{"apiToken": "secret-xyz"}}
	outcome := engine.Execute(context.Background(), 1, def, map[string]interface{}{}, execCtx)

	require.Nil(t, outcome.Err)
	assert.Equal(t, "Bearer secret-xyz", gotAuth)
}

func TestExecute_ResponseSizeCapEnforced(t *testing.T) {
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'a'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	engine := New(srv.Client(), nil, WithMaxResponseBytes(100))
	outcome := engine.Execute(context.Background(), 1, testDefinition(srv.URL, http.MethodGet), map[string]interface{}{}, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, "response_too_large", outcome.Err.Context["errorSubtype"])
}

func TestExecute_MalformedJSONBodyClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{not valid json`))
	}))
	defer srv.Close()

	engine := New(srv.Client(), nil)
	outcome := engine.Execute(context.Background(), 1, testDefinition(srv.URL, http.MethodGet), map[string]interface{}{}, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, "api_response_malformed", string(outcome.Err.Category))
}

func TestExecute_NetworkErrorClassified(t *testing.T) {
	engine := New(http.DefaultClient, nil)
	def := testDefinition("http://127.0.0.1:1", http.MethodGet)
	outcome := engine.Execute(context.Background(), 1, def, map[string]interface{}{}, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.True(t, outcome.Err.Retryable)
}

func TestExecute_APIKeyMissingHeaderNameFails(t *testing.T) {
	def := testDefinition("http://example.invalid", http.MethodGet)
	def.Authentication = &action.Authentication{Kind: action.AuthAPIKey, Token: "abc"}

	engine := New(http.DefaultClient, nil)
	outcome := engine.Execute(context.Background(), 1, def, map[string]interface{}{}, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, "validation_failed", string(outcome.Err.Category))
}
