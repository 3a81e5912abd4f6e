package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	for _, e := range []Entry{
		{RequestID: "r1", SessionID: "s1", Provider: "fs", RawName: "read_file",
			Qualified: "fs__read_file", Params: `{"path":"/a"}`, Success: true,
			Duration: 25 * time.Millisecond, At: time.Now().UTC()},
		{RequestID: "r2", SessionID: "s1", Provider: "fs", RawName: "write_file",
			Qualified: "fs__write_file", Success: false, ErrorKind: "TOOL_TIMEOUT",
			Duration: 60 * time.Second, At: time.Now().UTC()},
	} {
		s.Append(e)
	}

	// Close drains the write queue before the reopen below.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d rows, want 2", len(entries))
	}

	// Newest first.
	if entries[0].RequestID != "r2" || entries[1].RequestID != "r1" {
		t.Errorf("order wrong: %s, %s", entries[0].RequestID, entries[1].RequestID)
	}
	if entries[0].ErrorKind != "TOOL_TIMEOUT" || entries[0].Success {
		t.Errorf("failure row mangled: %+v", entries[0])
	}
	if entries[0].Duration != 60*time.Second {
		t.Errorf("duration = %s, want 60s", entries[0].Duration)
	}
	if entries[1].Params != `{"path":"/a"}` {
		t.Errorf("params = %q", entries[1].Params)
	}
}

func TestStoreAppendAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Must not panic or block.
	s.Append(Entry{RequestID: "late"})
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
