package agents

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParamsValidator validates tool params against per-tool JSON Schemas.
// Compiled schemas are cached by tool id.
type ParamsValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewParamsValidator() *ParamsValidator {
	return &ParamsValidator{compiled: make(map[string]*jsonschema.Schema)}
}

func (v *ParamsValidator) schemaFor(toolID, schemaJSON string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.compiled[toolID]; ok {
		return sch, nil
	}

	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal params schema for %s: %w", toolID, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", toolID, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile params schema for %s: %w", toolID, err)
	}
	v.compiled[toolID] = sch
	return sch, nil
}

// Validate checks raw params JSON against the tool's schema. Tools
// without a schema accept only an empty or absent params object.
func (v *ParamsValidator) Validate(toolID, schemaJSON string, params []byte) error {
	raw := strings.TrimSpace(string(params))
	if schemaJSON == "" {
		if raw == "" || raw == "{}" || raw == "null" {
			return nil
		}
		return fmt.Errorf("tool %s accepts no params", toolID)
	}
	if raw == "" || raw == "null" {
		raw = "{}"
	}

	sch, err := v.schemaFor(toolID, schemaJSON)
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if err := sch.Validate(parsed); err != nil {
		return fmt.Errorf("params rejected: %w", err)
	}
	return nil
}
