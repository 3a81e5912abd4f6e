package validate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
)

// schemaValidator resolves every call to a descriptor, autocorrects
// parameter names via the synonym table and similarity scoring, enforces
// declared types and enum membership, and finally validates the corrected
// parameters against the compiled JSON schema.
type schemaValidator struct {
	snapshot    func() *catalog.Snapshot
	autocorrect bool
	logger      *slog.Logger
}

func (*schemaValidator) Name() string { return "schema" }

type paramProp struct {
	Type string `json:"type"`
	Enum []any  `json:"enum"`
}

type paramSchema struct {
	Properties map[string]paramProp `json:"properties"`
	Required   []string             `json:"required"`
}

func (s paramSchema) knownKeys() []string {
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseParamSchema(raw json.RawMessage) paramSchema {
	var s paramSchema
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (v *schemaValidator) Validate(in Input) Result {
	snap := v.snapshot()
	var issues, warnings []Issue
	corrected := make([]catalog.ToolCall, len(in.Calls))

	for i, call := range in.Calls {
		c := call.Clone()

		d, err := snap.Resolve(c.Provider, c.Tool)
		if err != nil {
			issue := Issue{
				Index:   i,
				Kind:    errs.KindToolNotFound,
				Message: fmt.Sprintf("unknown tool %q on provider %q", c.Tool, c.Provider),
			}
			target := c.Tool
			if c.Provider != "" && !strings.Contains(target, "__") {
				target = catalog.Qualified(c.Provider, c.Tool)
			}
			if best, ok := Suggest(target, snap.QualifiedNames()); ok {
				issue.Suggestion = best
			}
			issues = append(issues, issue)
			corrected[i] = c
			continue
		}
		// Canonical logical form from here on.
		c.Provider, c.Tool = d.Provider, d.Qualified

		before := len(issues)
		schema := parseParamSchema(d.InputSchema)

		for _, req := range schema.Required {
			if _, present := c.Parameters[req]; present {
				continue
			}
			provided := unknownParamKeys(c.Parameters, schema)
			from, found := FindSynonym(req, provided)
			if !found {
				if best, ok := Suggest(req, provided); ok {
					from, found = best, true
				}
			}
			if !found {
				issues = append(issues, Issue{
					Index:   i,
					Kind:    errs.KindToolSchemaViolation,
					Message: fmt.Sprintf("required parameter %q missing for %s", req, d.Qualified),
				})
				continue
			}
			if v.autocorrect {
				c.Parameters[req] = c.Parameters[from]
				delete(c.Parameters, from)
				warnings = append(warnings, Issue{
					Index:   i,
					Message: fmt.Sprintf("parameter %q renamed to %q", from, req),
				})
			} else {
				issues = append(issues, Issue{
					Index:      i,
					Kind:       errs.KindToolSchemaViolation,
					Message:    fmt.Sprintf("required parameter %q missing for %s", req, d.Qualified),
					Suggestion: fmt.Sprintf("%s <- %s", req, from),
				})
			}
		}

		if len(schema.Properties) > 0 {
			for _, key := range unknownParamKeys(c.Parameters, schema) {
				best, ok := Suggest(key, schema.knownKeys())
				if ok {
					if _, taken := c.Parameters[best]; taken {
						ok = false
					}
				}
				switch {
				case ok && v.autocorrect:
					c.Parameters[best] = c.Parameters[key]
					delete(c.Parameters, key)
					warnings = append(warnings, Issue{
						Index:   i,
						Message: fmt.Sprintf("parameter %q renamed to %q", key, best),
					})
				case ok:
					warnings = append(warnings, Issue{
						Index:      i,
						Message:    fmt.Sprintf("unknown parameter %q", key),
						Suggestion: best,
					})
				default:
					warnings = append(warnings, Issue{
						Index:   i,
						Message: fmt.Sprintf("unknown parameter %q", key),
					})
				}
			}
		}

		for _, key := range sortedParamKeys(c.Parameters) {
			prop, known := schema.Properties[key]
			if !known {
				continue
			}
			value := c.Parameters[key]
			if prop.Type != "" && !typeMatches(prop.Type, value) {
				issues = append(issues, Issue{
					Index:   i,
					Kind:    errs.KindToolSchemaViolation,
					Message: fmt.Sprintf("parameter %q must be of type %s", key, prop.Type),
				})
				continue
			}
			if len(prop.Enum) > 0 && !enumContains(prop.Enum, value) {
				issues = append(issues, Issue{
					Index:   i,
					Kind:    errs.KindToolSchemaViolation,
					Message: fmt.Sprintf("parameter %q must be one of %s", key, enumList(prop.Enum)),
				})
			}
		}

		if len(issues) == before && len(d.InputSchema) > 0 {
			if err := v.checkCompiled(d.InputSchema, c.Parameters); err != nil {
				issues = append(issues, Issue{
					Index:   i,
					Kind:    errs.KindToolSchemaViolation,
					Message: fmt.Sprintf("parameters rejected by schema: %v", err),
				})
			}
		}
		corrected[i] = c
	}

	return Result{
		Valid:     len(issues) == 0,
		Errors:    issues,
		Warnings:  warnings,
		Corrected: corrected,
	}
}

var schemaCache sync.Map

func compiledSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

func (v *schemaValidator) checkCompiled(schema json.RawMessage, params map[string]any) error {
	compiled, err := compiledSchema(schema)
	if err != nil {
		// Providers sometimes advertise schemas that do not compile;
		// the structural checks above already ran.
		v.logger.Debug("tool schema does not compile, skipping strict check", "error", err)
		return nil
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	return compiled.Validate(decoded)
}

func unknownParamKeys(params map[string]any, schema paramSchema) []string {
	var keys []string
	for k := range params {
		if _, known := schema.Properties[k]; !known {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedParamKeys(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		default:
			return false
		}
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		default:
			return false
		}
	case "array":
		if v == nil {
			return false
		}
		return reflect.ValueOf(v).Kind() == reflect.Slice
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "null":
		return v == nil
	default:
		return true
	}
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, v) || fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
