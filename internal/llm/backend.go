package llm

import "context"

// Role identifies who a message is from.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to invoke a tool. RawArguments keeps the
// verbatim JSON for echoing back to the API; Arguments is the decoded
// form the executor validates.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]any
	RawArguments string
}

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolDef describes a callable function to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is one completion request.
type Request struct {
	Messages []Message
	Tools    []ToolDef
}

// Completion is the model's reply: free text, tool calls, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Backend abstracts the language model. Stream delivers text deltas
// through onDelta as they arrive and still returns the full completion,
// so callers handle streamed and buffered paths uniformly.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request, onDelta func(text string)) (*Completion, error)
}
