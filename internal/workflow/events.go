package workflow

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// EventType names one step of a session's progress.
type EventType string

const (
	EventModeSelected   EventType = "mode_selected"
	EventTodoBuilt      EventType = "todo_built"
	EventItemStarted    EventType = "item_started"
	EventToolDispatched EventType = "tool_dispatched"
	EventToolResult     EventType = "tool_result"
	EventItemVerified   EventType = "item_verified"
	EventItemDone       EventType = "item_done"
	EventItemFailed     EventType = "item_failed"
	EventItemSkipped    EventType = "item_skipped"
	EventItemBlocked    EventType = "item_blocked"
	EventSessionSummary EventType = "session_summary"
)

// Event is one progress notification. Seq increases by one per event
// within a session, so consumers can deduplicate on (session_id, seq)
// under at-least-once delivery.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	ItemID    string         `json:"item_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives session events. Calls may arrive from concurrent item
// goroutines; implementations must be safe for concurrent use and must
// not block for long, or they stall the items emitting through them.
type Sink func(Event)

// emitter stamps session id and sequence numbers onto events before
// handing them to the sink.
type emitter struct {
	sessionID string
	seq       atomic.Uint64
	sink      Sink
	logger    *slog.Logger
	now       func() time.Time
}

func newEmitter(sessionID string, sink Sink, logger *slog.Logger, now func() time.Time) *emitter {
	return &emitter{sessionID: sessionID, sink: sink, logger: logger, now: now}
}

func (e *emitter) emit(typ EventType, itemID string, data map[string]any) {
	ev := Event{
		SessionID: e.sessionID,
		Seq:       e.seq.Add(1),
		Type:      typ,
		ItemID:    itemID,
		Timestamp: e.now(),
		Data:      data,
	}
	if e.sink != nil {
		e.sink(ev)
	}
	e.logger.Debug("workflow event", "session", ev.SessionID, "seq", ev.Seq, "type", ev.Type, "item", ev.ItemID)
}
