// Package tools exposes customer-defined HTTP endpoints to the model as
// callable functions and executes the calls the model makes.
package tools

import (
	"encoding/json"
	"fmt"

	"herobot/internal/providers"
	"herobot/internal/storage"
)

// ParamDef is one entry of a tool's parameter list.
type ParamDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

func parseParams(paramsJSON string) ([]ParamDef, error) {
	if paramsJSON == "" {
		return nil, nil
	}
	var defs []ParamDef
	if err := json.Unmarshal([]byte(paramsJSON), &defs); err != nil {
		return nil, fmt.Errorf("parse tool params: %w", err)
	}
	return defs, nil
}

// BuildSpecs converts active tools into provider specs plus the dispatch
// table mapping each exposed function name back to its tool id. Name
// collisions after sanitization get a numeric suffix.
func BuildSpecs(active []storage.Tool) ([]providers.ToolSpec, map[string]int64, error) {
	specs := make([]providers.ToolSpec, 0, len(active))
	byName := make(map[string]int64, len(active))

	for _, t := range active {
		defs, err := parseParams(t.ParamsJSON)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %d: %w", t.ID, err)
		}

		name := providers.SanitizeFunctionName(t.Name)
		if _, taken := byName[name]; taken {
			for i := 2; ; i++ {
				candidate := fmt.Sprintf("%s_%d", name, i)
				if len(candidate) > 64 {
					candidate = candidate[len(candidate)-64:]
				}
				if _, taken := byName[candidate]; !taken {
					name = candidate
					break
				}
			}
		}
		byName[name] = t.ID

		schema, err := paramSchema(defs)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %d: %w", t.ID, err)
		}
		specs = append(specs, providers.ToolSpec{
			Name:        name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return specs, byName, nil
}

func paramSchema(defs []ParamDef) (json.RawMessage, error) {
	properties := map[string]any{}
	required := []string{}
	for _, d := range defs {
		typ := d.Type
		if typ == "" {
			typ = "string"
		}
		properties[d.Name] = map[string]any{
			"type":        typ,
			"description": d.Description,
		}
		if d.Required {
			required = append(required, d.Name)
		}
	}
	b, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal param schema: %w", err)
	}
	return b, nil
}
