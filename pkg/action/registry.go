package action

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var structValidator = validator.New()

// Definitions is the on-disk shape a registration file loads into: a
// top-level list of ActionDefinitions.
type Definitions struct {
	Actions []ActionDefinition `yaml:"actions"`
}

// LoadDefinitions parses a YAML registration document and validates every
// ActionDefinition's struct-level constraints (required endpoint URL, a
// recognized HTTP method, a positive timeout, ...) before returning them.
// This is distinct from the runtime JSON-Schema validator applied to
// inputs/output values: it only checks the static definition shape.
func LoadDefinitions(raw []byte) ([]ActionDefinition, error) {
	var doc Definitions
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("action: parse definitions: %w", err)
	}

	for i := range doc.Actions {
		if err := ValidateDefinition(doc.Actions[i]); err != nil {
			return nil, fmt.Errorf("action: definition %q: %w", doc.Actions[i].ID, err)
		}
	}

	return doc.Actions, nil
}

// ValidateDefinition runs struct-level validation tags over def and its
// nested Endpoint/RetryPolicy/OAuth2Config fields.
func ValidateDefinition(def ActionDefinition) error {
	if err := structValidator.Struct(def); err != nil {
		return err
	}
	if def.Authentication != nil && def.Authentication.Kind == AuthOAuth2 && def.Authentication.OAuth2 != nil {
		if err := structValidator.Struct(def.Authentication.OAuth2); err != nil {
			return err
		}
	}
	return nil
}
