package catalog

import (
	"encoding/json"
	"strings"
)

// maxExampleDepth bounds recursion into nested object schemas.
const maxExampleDepth = 3

type schemaNode struct {
	Type        string                     `json:"type"`
	Description string                     `json:"description"`
	Enum        []any                      `json:"enum"`
	Default     any                        `json:"default"`
	Items       json.RawMessage            `json:"items"`
	Properties  map[string]json.RawMessage `json:"properties"`
	Required    []string                   `json:"required"`
}

// ExampleArgs synthesizes an example argument object from a tool's input
// schema: the first enum value when one exists, then the schema default,
// then a placeholder derived from the parameter description. Required
// parameters are covered; optional ones appear only when nothing is
// required, so the example is never empty for a non-trivial schema.
func ExampleArgs(schema json.RawMessage) map[string]any {
	var root schemaNode
	if len(schema) == 0 || json.Unmarshal(schema, &root) != nil {
		return map[string]any{}
	}
	return exampleObject(root, 0)
}

func exampleObject(node schemaNode, depth int) map[string]any {
	out := make(map[string]any)
	if len(node.Properties) == 0 || depth >= maxExampleDepth {
		return out
	}

	names := node.Required
	if len(names) == 0 {
		names = make([]string, 0, len(node.Properties))
		for name := range node.Properties {
			names = append(names, name)
		}
	}

	for _, name := range names {
		raw, ok := node.Properties[name]
		if !ok {
			continue
		}
		var prop schemaNode
		if json.Unmarshal(raw, &prop) != nil {
			continue
		}
		out[name] = exampleValue(name, prop, depth)
	}
	return out
}

func exampleValue(name string, prop schemaNode, depth int) any {
	if len(prop.Enum) > 0 {
		return prop.Enum[0]
	}
	if prop.Default != nil {
		return prop.Default
	}

	switch prop.Type {
	case "string":
		return placeholder(name, prop.Description)
	case "integer":
		return 1
	case "number":
		return 1.0
	case "boolean":
		return false
	case "array":
		var item schemaNode
		if len(prop.Items) > 0 && json.Unmarshal(prop.Items, &item) == nil {
			return []any{exampleValue(name, item, depth+1)}
		}
		return []any{}
	case "object":
		return exampleObject(prop, depth+1)
	default:
		return placeholder(name, prop.Description)
	}
}

// placeholder derives a human-readable stand-in from the parameter
// description, falling back to the parameter name.
func placeholder(name, description string) string {
	text := strings.TrimSpace(description)
	if text == "" {
		return "<" + name + ">"
	}
	if i := strings.IndexAny(text, ".\n"); i > 0 {
		text = text[:i]
	}
	if len(text) > 48 {
		text = text[:48]
	}
	return "<" + strings.ToLower(strings.TrimSpace(text)) + ">"
}
