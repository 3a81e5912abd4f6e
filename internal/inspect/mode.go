package inspect

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/haasonsaas/conductor/internal/catalog"
)

// defaultReadonlyTools enumerates the raw tool names chat mode allows.
// Configuration extends this list, it never replaces it.
var defaultReadonlyTools = []string{
	"read_file",
	"read_text_file",
	"read_multiple_files",
	"get_file_info",
	"list_directory",
	"directory_tree",
	"list_allowed_directories",
	"search_files",
	"git_status",
	"git_log",
	"git_diff",
	"git_show",
	"get_issue",
	"list_issues",
	"search",
	"search_code",
	"get_page_content",
	"screenshot",
}

// writeVerbs classify a tool as mutating by any name segment.
var writeVerbs = map[string]struct{}{
	"write": {}, "create": {}, "delete": {}, "remove": {}, "move": {},
	"rename": {}, "update": {}, "edit": {}, "set": {}, "put": {},
	"post": {}, "patch": {}, "push": {}, "commit": {}, "merge": {},
	"upload": {}, "install": {}, "uninstall": {}, "execute": {},
	"exec": {}, "run": {}, "kill": {}, "drop": {}, "truncate": {},
	"insert": {}, "replace": {}, "clear": {}, "reset": {}, "apply": {},
	"send": {},
}

// modeInspector enforces the execution mode: chat allows only the
// enumerated read-only tools, and an explicit read-only context denies
// anything that mutates.
type modeInspector struct {
	readonly map[string]struct{}
}

func newModeInspector(extra []string) *modeInspector {
	set := make(map[string]struct{}, len(defaultReadonlyTools)+len(extra))
	for _, name := range defaultReadonlyTools {
		set[name] = struct{}{}
	}
	for _, name := range extra {
		set[strings.TrimSpace(name)] = struct{}{}
	}
	return &modeInspector{readonly: set}
}

func (*modeInspector) Name() string { return "mode" }

func (m *modeInspector) Inspect(ctx context.Context, req Request) []Finding {
	var findings []Finding
	for i, call := range req.Calls {
		raw := rawToolName(call.Tool)

		if req.Mode == "chat" && !m.isReadonly(raw, call.Tool) {
			findings = append(findings, Finding{
				Index:   i,
				Verdict: VerdictDenied,
				Reason:  fmt.Sprintf("%s is not a read-only tool; chat mode allows read-only tools", call.Tool),
			})
			continue
		}
		if req.ReadonlyMode && isWriteTool(raw) {
			findings = append(findings, Finding{
				Index:   i,
				Verdict: VerdictDenied,
				Reason:  fmt.Sprintf("%s mutates state; the execution context is read-only", call.Tool),
			})
		}
	}
	return findings
}

func (m *modeInspector) isReadonly(raw, qualified string) bool {
	if _, ok := m.readonly[raw]; ok {
		return true
	}
	_, ok := m.readonly[qualified]
	return ok
}

func rawToolName(tool string) string {
	if _, raw, ok := catalog.SplitQualified(tool); ok {
		return raw
	}
	return tool
}

func isWriteTool(raw string) bool {
	for _, seg := range nameSegments(raw) {
		if _, ok := writeVerbs[seg]; ok {
			return true
		}
	}
	return false
}

// nameSegments splits a tool name on underscores, dashes, dots, and
// camelCase boundaries, lowercased.
func nameSegments(name string) []string {
	var segs []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			segs = append(segs, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == '.':
			flush()
		case unicode.IsUpper(r):
			flush()
			cur = append(cur, unicode.ToLower(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return segs
}
