package workflow

import (
	"strings"
	"testing"
)

func TestParseTodoItems(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "wrapped object",
			content: `{"items":[{"id":"a","action":"read the file"},{"id":"b","action":"summarize","dependencies":["a"]}]}`,
			want:    2,
		},
		{
			name:    "bare array",
			content: `[{"action":"read the file"}]`,
			want:    1,
		},
		{
			name:    "fenced",
			content: "```json\n{\"items\":[{\"action\":\"one\"}]}\n```",
			want:    1,
		},
		{
			name:    "prose",
			content: "Sure! Here is the plan.",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := parseTodoItems(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTodoItems: %v", err)
			}
			if len(items) != tc.want {
				t.Fatalf("items = %d, want %d", len(items), tc.want)
			}
		})
	}
}

func TestParseTodoItemsKeepsDependencies(t *testing.T) {
	items, err := parseTodoItems(`{"items":[{"id":"a","action":"one"},{"id":"b","action":"two","dependencies":["a"],"parallel":true}]}`)
	if err != nil {
		t.Fatalf("parseTodoItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	b := items[1]
	if len(b.Dependencies) != 1 || b.Dependencies[0] != "a" {
		t.Fatalf("dependencies = %v", b.Dependencies)
	}
	if !b.Parallel {
		t.Fatal("parallel flag lost")
	}
}

func TestParsePlannedCalls(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "wrapped object",
			content: `{"tool_calls":[{"provider":"filesystem","tool":"read_file","parameters":{"path":"/tmp/a"}}]}`,
			want:    1,
		},
		{
			name:    "bare array",
			content: `[{"provider":"github","tool":"create_issue","parameters":{}}]`,
			want:    1,
		},
		{
			name:    "empty plan",
			content: `{"tool_calls":[]}`,
			want:    0,
		},
		{
			name:    "fenced",
			content: "```\n{\"tool_calls\":[{\"provider\":\"shell\",\"tool\":\"run\",\"parameters\":{\"cmd\":\"ls\"}}]}\n```",
			want:    1,
		},
		{
			name:    "prose",
			content: "I would use the filesystem provider.",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls, err := parsePlannedCalls(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePlannedCalls: %v", err)
			}
			if len(calls) != tc.want {
				t.Fatalf("calls = %d, want %d", len(calls), tc.want)
			}
			for _, c := range calls {
				if c.Provider == "" || c.Tool == "" {
					t.Fatalf("call missing provider or tool: %+v", c)
				}
			}
		})
	}
}

func TestParseVerification(t *testing.T) {
	v, err := parseVerification("```json\n{\"passed\": false, \"reason\": \"file not found\"}\n```")
	if err != nil {
		t.Fatalf("parseVerification: %v", err)
	}
	if v.Passed || v.Reason != "file not found" {
		t.Fatalf("verification = %+v", v)
	}
	if _, err := parseVerification("looks good to me"); err == nil {
		t.Fatal("expected error for prose reply")
	}
}

func TestParseReplan(t *testing.T) {
	cases := []struct {
		name       string
		content    string
		wantAction string
		wantCalls  int
		wantErr    bool
	}{
		{
			name:       "retry with new calls",
			content:    `{"action":"retry","tool_calls":[{"provider":"filesystem","tool":"list_dir","parameters":{}}],"reason":"wrong path"}`,
			wantAction: replanRetry,
			wantCalls:  1,
		},
		{
			name:       "skip",
			content:    `{"action":"skip","reason":"not needed"}`,
			wantAction: replanSkip,
		},
		{
			name:       "block",
			content:    `{"action":"block","reason":"needs credentials"}`,
			wantAction: replanBlock,
		},
		{
			name:       "unknown action falls back to retry",
			content:    `{"action":"shrug"}`,
			wantAction: replanRetry,
		},
		{
			name:    "prose",
			content: "try again",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseReplan(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReplan: %v", err)
			}
			if d.Action != tc.wantAction {
				t.Fatalf("action = %q, want %q", d.Action, tc.wantAction)
			}
			if len(d.Calls) != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", len(d.Calls), tc.wantCalls)
			}
		})
	}
}

func TestOutcomeDigest(t *testing.T) {
	todo, err := NewTodo([]Item{
		{ID: "a", Action: "fetch the data"},
		{ID: "b", Action: "write the report"},
		{ID: "c", Action: "publish"},
	})
	if err != nil {
		t.Fatalf("NewTodo: %v", err)
	}
	a, _ := todo.Find("a")
	b, _ := todo.Find("b")
	c, _ := todo.Find("c")
	a.Status = StatusDone
	b.Status = StatusFailed
	b.Verification = &Verification{Passed: false, Reason: "disk full"}
	c.Status = StatusBlocked

	digest := outcomeDigest(todo)
	if !strings.HasPrefix(digest, "1/3 items done") {
		t.Fatalf("digest header = %q", digest)
	}
	for _, want := range []string{"1 failed", "1 blocked", "[done] fetch the data", "[failed] write the report (disk full)", "[blocked] publish"} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
	if strings.Contains(digest, "skipped") {
		t.Error("digest should omit zero-count statuses")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
	got := truncate(strings.Repeat("x", 600), 500)
	if len(got) != 503 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate length = %d, suffix = %q", len(got), got[len(got)-3:])
	}
}
