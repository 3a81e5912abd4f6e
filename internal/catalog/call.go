package catalog

// ToolCall is one planned tool invocation as it enters the pipeline. The
// tool name may arrive raw, qualified, or legacy-prefixed; validation
// normalizes it before dispatch.
type ToolCall struct {
	Provider   string         `json:"provider"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	RequestID  string         `json:"request_id,omitempty"`
	Origin     string         `json:"origin,omitempty"` // planner | user | retry
}

// Clone copies the call with a fresh top-level parameter map, so
// corrections never mutate the caller's view.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}
