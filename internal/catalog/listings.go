package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Summary returns a compact, human-readable listing: one block per
// provider, one line per tool with a truncated description. With no
// arguments it covers every provider.
func (s *Snapshot) Summary(providers ...string) string {
	if len(providers) == 0 {
		providers = s.providers
	}
	sorted := make([]string, len(providers))
	copy(sorted, providers)
	sort.Strings(sorted)

	var b strings.Builder
	for _, provider := range sorted {
		tools := s.byProvider[provider]
		if len(tools) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s (%d tools):\n", provider, len(tools))
		for _, d := range tools {
			line := firstSentence(d.Description)
			if line == "" {
				fmt.Fprintf(&b, "  %s\n", d.Qualified)
				continue
			}
			fmt.Fprintf(&b, "  %s: %s\n", d.Qualified, line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Detailed returns the full listing for a provider subset: description,
// parameter table with required/optional markers and types, and a
// synthesized example argument object.
func (s *Snapshot) Detailed(providers ...string) string {
	if len(providers) == 0 {
		providers = s.providers
	}
	sorted := make([]string, len(providers))
	copy(sorted, providers)
	sort.Strings(sorted)

	var b strings.Builder
	for _, provider := range sorted {
		for _, d := range s.byProvider[provider] {
			writeDetailed(&b, d)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeDetailed(b *strings.Builder, d *Descriptor) {
	fmt.Fprintf(b, "## %s\n", d.Qualified)
	if desc := strings.TrimSpace(d.Description); desc != "" {
		fmt.Fprintf(b, "%s\n", desc)
	}

	var root schemaNode
	if len(d.InputSchema) > 0 && json.Unmarshal(d.InputSchema, &root) == nil && len(root.Properties) > 0 {
		required := make(map[string]bool, len(root.Required))
		for _, name := range root.Required {
			required[name] = true
		}

		names := append([]string(nil), root.Required...)
		optional := make([]string, 0, len(root.Properties))
		for name := range root.Properties {
			if !required[name] {
				optional = append(optional, name)
			}
		}
		sort.Strings(optional)
		names = append(names, optional...)

		b.WriteString("Parameters:\n")
		for _, name := range names {
			raw, ok := root.Properties[name]
			if !ok {
				continue
			}
			var prop schemaNode
			if json.Unmarshal(raw, &prop) != nil {
				continue
			}
			marker := "optional"
			if required[name] {
				marker = "required"
			}
			line := fmt.Sprintf("  - %s (%s, %s)", name, typeName(prop), marker)
			if desc := firstSentence(prop.Description); desc != "" {
				line += ": " + desc
			}
			b.WriteString(line + "\n")
		}
	}

	if example := ExampleArgs(d.InputSchema); len(example) > 0 {
		if raw, err := json.Marshal(example); err == nil {
			fmt.Fprintf(b, "Example: %s\n", raw)
		}
	}
	b.WriteString("\n")
}

func typeName(prop schemaNode) string {
	if prop.Type != "" {
		return prop.Type
	}
	if len(prop.Enum) > 0 {
		return "enum"
	}
	return "any"
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".\n"); i > 0 {
		text = text[:i]
	}
	if len(text) > 100 {
		text = text[:100]
	}
	return strings.TrimSpace(text)
}
