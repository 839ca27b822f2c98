package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actionrunner/pkg/action"
)

func TestStaticCatalog_GetReturnsRegistered(t *testing.T) {
	c := NewStaticCatalog([]action.ActionDefinition{
		{ID: "create-ticket", Endpoint: action.Endpoint{URLTemplate: "https://api.example.com/tickets", Method: "POST", Timeout: time.Second}},
	})

	def, err := c.Get(context.Background(), "create-ticket")

	require.NoError(t, err)
	assert.Equal(t, "create-ticket", def.ID)
}

func TestStaticCatalog_GetMissingReturnsNotFound(t *testing.T) {
	c := NewStaticCatalog(nil)

	_, err := c.Get(context.Background(), "missing")

	require.Error(t, err)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestStaticCatalog_RegisterOverwrites(t *testing.T) {
	c := NewStaticCatalog([]action.ActionDefinition{{ID: "a", Endpoint: action.Endpoint{Method: "GET", Timeout: time.Second}}})
	c.Register(action.ActionDefinition{ID: "a", Endpoint: action.Endpoint{Method: "POST", Timeout: 2 * time.Second}})

	def, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "POST", def.Endpoint.Method)
}

func TestLoadFromYAML(t *testing.T) {
	raw := []byte(`
actions:
  - id: create-ticket
    endpoint:
      urlTemplate: https://api.example.com/tickets
      method: POST
      timeout: 30s
    retryPolicy:
      maxAttempts: 3
      initialDelay: 1s
      maxDelay: 10s
      backoffMultiplier: 2
`)

	c, err := LoadFromYAML(raw)
	require.NoError(t, err)

	def, err := c.Get(context.Background(), "create-ticket")
	require.NoError(t, err)
	assert.Equal(t, "POST", def.Endpoint.Method)
	assert.Equal(t, 3, def.RetryPolicy.MaxAttempts)
}
