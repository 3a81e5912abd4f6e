package inspect

import (
	"context"
	"testing"

	"github.com/haasonsaas/conductor/internal/catalog"
)

func TestChatModeAllowsReadonlyTools(t *testing.T) {
	ins := newModeInspector(nil)
	findings := ins.Inspect(context.Background(), Request{
		Mode: "chat",
		Calls: []catalog.ToolCall{
			{Provider: "filesystem", Tool: "filesystem__read_file"},
			{Provider: "git", Tool: "git__git_status"},
		},
	})
	if len(findings) != 0 {
		t.Errorf("readonly tools flagged in chat mode: %+v", findings)
	}
}

func TestChatModeDeniesWriteTools(t *testing.T) {
	ins := newModeInspector(nil)
	findings := ins.Inspect(context.Background(), Request{
		Mode: "chat",
		Calls: []catalog.ToolCall{
			{Provider: "filesystem", Tool: "filesystem__write_file"},
			{Provider: "shell", Tool: "shell__run_command"},
		},
	})
	if len(findings) != 2 {
		t.Fatalf("findings = %+v", findings)
	}
	for _, f := range findings {
		if f.Verdict != VerdictDenied {
			t.Errorf("verdict = %s, want DENIED", f.Verdict)
		}
	}
}

func TestChatModeHonorsConfiguredReadonlyTools(t *testing.T) {
	ins := newModeInspector([]string{"fetch_page", "browser__snapshot"})
	findings := ins.Inspect(context.Background(), Request{
		Mode: "chat",
		Calls: []catalog.ToolCall{
			{Provider: "web", Tool: "web__fetch_page"},
			{Provider: "browser", Tool: "browser__snapshot"},
		},
	})
	if len(findings) != 0 {
		t.Errorf("configured readonly tools flagged: %+v", findings)
	}
}

func TestTaskModeAllowsWrites(t *testing.T) {
	ins := newModeInspector(nil)
	for _, mode := range []string{"task", "auto"} {
		findings := ins.Inspect(context.Background(), Request{
			Mode: mode,
			Calls: []catalog.ToolCall{
				{Provider: "filesystem", Tool: "filesystem__write_file"},
			},
		})
		if len(findings) != 0 {
			t.Errorf("mode %s flagged writes: %+v", mode, findings)
		}
	}
}

func TestReadonlyContextDeniesMutations(t *testing.T) {
	ins := newModeInspector(nil)
	findings := ins.Inspect(context.Background(), Request{
		Mode:         "task",
		ReadonlyMode: true,
		Calls: []catalog.ToolCall{
			{Provider: "filesystem", Tool: "filesystem__write_file"},
			{Provider: "filesystem", Tool: "filesystem__read_file"},
			{Provider: "github", Tool: "github__create_issue"},
		},
	})
	if len(findings) != 2 {
		t.Fatalf("findings = %+v", findings)
	}
	if findings[0].Index != 0 || findings[1].Index != 2 {
		t.Errorf("wrong calls flagged: %+v", findings)
	}
	for _, f := range findings {
		if f.Verdict != VerdictDenied {
			t.Errorf("verdict = %s, want DENIED", f.Verdict)
		}
	}
}

func TestIsWriteTool(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"write_file", true},
		{"create_issue", true},
		{"deleteBranch", true},
		{"run_command", true},
		{"git_commit", true},
		{"read_file", false},
		{"list_directory", false},
		{"git_status", false},
		{"search", false},
	}
	for _, tc := range cases {
		if got := isWriteTool(tc.name); got != tc.want {
			t.Errorf("isWriteTool(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNameSegments(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"write_file", []string{"write", "file"}},
		{"createIssue", []string{"create", "issue"}},
		{"git-status", []string{"git", "status"}},
		{"readFile_v2", []string{"read", "file", "v2"}},
	}
	for _, tc := range cases {
		got := nameSegments(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("nameSegments(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("nameSegments(%q) = %v, want %v", tc.in, got, tc.want)
				break
			}
		}
	}
}
