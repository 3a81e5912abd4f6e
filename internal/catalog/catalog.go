// Package catalog presents a single flat view of every tool advertised by
// the provider pool and owns the translation between raw, qualified, and
// legacy tool names.
package catalog

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/mcp"
)

// Descriptor is one tool as the rest of the system sees it. Within one
// provider raw names are unique; across providers qualified names are.
type Descriptor struct {
	Provider    string          `json:"provider"`
	RawName     string          `json:"raw_name"`
	Qualified   string          `json:"qualified_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Source supplies the current tool advertisement per ready provider.
// The MCP supervisor implements it.
type Source interface {
	Tools() map[string][]mcp.ToolSpec
}

// Catalog holds an immutable snapshot of all descriptors, replaced
// atomically whenever a provider refreshes its tool list. Readers never
// block writers and vice versa.
type Catalog struct {
	source Source
	logger *slog.Logger
	snap   atomic.Pointer[Snapshot]
}

// New builds an empty catalog over the given source. Call Rebuild once the
// provider pool is up, and again from the tools-changed hook.
func New(source Source, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		source: source,
		logger: logger.With("component", "catalog"),
	}
	c.snap.Store(newSnapshot(nil))
	return c
}

// Rebuild pulls the current advertisement from the source and publishes a
// fresh snapshot. Existing snapshot references stay valid and unchanged.
func (c *Catalog) Rebuild() {
	snap := newSnapshot(c.source.Tools())
	c.snap.Store(snap)
	c.logger.Debug("catalog rebuilt",
		"providers", len(snap.providers), "tools", len(snap.names))
}

// Snapshot returns the current immutable view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Snapshot is a point-in-time flat view of the tool space.
type Snapshot struct {
	byQualified map[string]*Descriptor
	byRaw       map[string][]*Descriptor // raw name -> descriptors across providers
	byProvider  map[string][]*Descriptor // advertised order preserved
	providers   []string                 // sorted
	names       []string                 // sorted qualified names
}

func newSnapshot(tools map[string][]mcp.ToolSpec) *Snapshot {
	s := &Snapshot{
		byQualified: make(map[string]*Descriptor),
		byRaw:       make(map[string][]*Descriptor),
		byProvider:  make(map[string][]*Descriptor),
	}
	for provider, specs := range tools {
		list := make([]*Descriptor, 0, len(specs))
		for _, spec := range specs {
			d := &Descriptor{
				Provider:    provider,
				RawName:     spec.Name,
				Qualified:   Qualified(provider, spec.Name),
				Description: spec.Description,
				InputSchema: spec.InputSchema,
			}
			list = append(list, d)
			s.byQualified[d.Qualified] = d
			s.byRaw[d.RawName] = append(s.byRaw[d.RawName], d)
			s.names = append(s.names, d.Qualified)
		}
		s.byProvider[provider] = list
		s.providers = append(s.providers, provider)
	}
	sort.Strings(s.providers)
	sort.Strings(s.names)
	return s
}

// Len returns the total number of tools.
func (s *Snapshot) Len() int { return len(s.names) }

// Providers returns all provider names, sorted.
func (s *Snapshot) Providers() []string {
	out := make([]string, len(s.providers))
	copy(out, s.providers)
	return out
}

// HasProvider reports whether the snapshot carries tools for the provider.
func (s *Snapshot) HasProvider(name string) bool {
	_, ok := s.byProvider[name]
	return ok
}

// Find looks a descriptor up by qualified name.
func (s *Snapshot) Find(qualified string) (*Descriptor, bool) {
	d, ok := s.byQualified[qualified]
	return d, ok
}

// QualifiedNames returns every qualified name, sorted. Validators use this
// for similarity matching and suggestion lists.
func (s *Snapshot) QualifiedNames() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Resolve normalizes a (provider, tool) pair into a descriptor. The tool
// may arrive raw, qualified, or legacy-prefixed. Resolution prefers an
// exact raw match before stripping prefixes, which keeps normalization
// idempotent for raw names that happen to begin with the provider name.
func (s *Snapshot) Resolve(provider, tool string) (*Descriptor, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return nil, errs.E(errs.KindToolNotFound, "empty tool name")
	}

	if provider == "" {
		if p, r, ok := SplitQualified(tool); ok {
			provider, tool = p, r
		} else {
			// Bare raw name with no provider: accept it only when exactly
			// one provider advertises the name.
			switch candidates := s.byRaw[tool]; len(candidates) {
			case 1:
				return candidates[0], nil
			case 0:
				return nil, errs.E(errs.KindToolNotFound, "unknown tool %q", tool).WithTool(tool)
			default:
				names := make([]string, len(candidates))
				for i, d := range candidates {
					names[i] = d.Qualified
				}
				sort.Strings(names)
				return nil, errs.E(errs.KindToolNotFound,
					"tool %q is ambiguous across providers", tool).
					WithTool(tool).WithSuggestions(names...)
			}
		}
	}

	if d, ok := s.byQualified[Qualified(provider, tool)]; ok {
		return d, nil
	}
	if rest, ok := strings.CutPrefix(tool, provider+"__"); ok {
		if d, found := s.byQualified[Qualified(provider, rest)]; found {
			return d, nil
		}
	}
	if rest, ok := strings.CutPrefix(tool, provider+"_"); ok {
		if d, found := s.byQualified[Qualified(provider, rest)]; found {
			return d, nil
		}
	}
	return nil, errs.E(errs.KindToolNotFound, "tool %q not found on provider %q", tool, provider).
		WithProvider(provider).WithTool(tool)
}

// ListAll returns every descriptor, providers sorted, tools in advertised
// order within each provider.
func (s *Snapshot) ListAll() []*Descriptor {
	return s.ListFrom(s.providers...)
}

// ListFrom restricts the listing to a subset of providers. Unknown
// provider names are skipped.
func (s *Snapshot) ListFrom(providers ...string) []*Descriptor {
	sorted := make([]string, len(providers))
	copy(sorted, providers)
	sort.Strings(sorted)

	var out []*Descriptor
	for _, provider := range sorted {
		out = append(out, s.byProvider[provider]...)
	}
	return out
}
