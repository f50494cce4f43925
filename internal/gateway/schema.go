package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"render-dispatcher/internal/models"
)

// validatePayload checks the opaque job payload against the effect's input
// schema. Effects without a schema accept any object.
func validatePayload(effect models.Effect, payload map[string]any) error {
	if len(effect.InputSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(effect.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}
	resourceID := "inmemory://effects/" + effect.ID
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile input schema for %s: %w", effect.ID, err)
	}

	// Round-trip so numbers and nested values have the types the validator expects.
	var doc any = map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w: %v", models.ErrValidation, err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode payload: %w: %v", models.ErrValidation, err)
		}
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("payload: %w: %v", models.ErrValidation, err)
	}
	return nil
}
